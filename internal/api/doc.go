// Package api implements the controller's HTTP surface.
//
// Every JSON response uses the envelope
//
//	{"result":"ok"|"error","data":...,"code":...,"message":...,"correlationId":...}
//
// Commands return 202 Accepted once sent: the effect is confirmed only by
// a later poll and reported on the event stream.
package api
