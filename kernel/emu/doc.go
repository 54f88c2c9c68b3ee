// Package emu backs the guest address space with unicorn memory regions. It
// is only built with the unicorn tag, since the bindings need libunicorn.
package emu
