package main

// Exported C functions live in ffi.go and delegate to bridge.

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
