// Package srt pulls MPEG-TS from cameras and encoders that publish over SRT
// (Secure Reliable Transport) in listener mode. The Caller dials the remote
// listener and copies the transport stream into the decode stage's stdin.
// The Listener is the other end, used to stand in for SRT cameras.
package srt
