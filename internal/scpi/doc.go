//
//
// Package scpi defines the line protocol spoken between the controller and
// the transmitter: command builders, the STATUS payload codec and the
// normalization of device error tokens.
//
// Every command is one ASCII line terminated by "\n". Only commands ending
// in "?" produce a reply, and the reply is exactly one line.
package scpi
