// Package mcp contains protocol data types and constants shared by the
// bridge, the control plane, and the managed tool-server pipes. It mirrors
// the wire representation of the Model Context Protocol for the method set
// the control plane routes, while keeping the Go API small.
package mcp
