package main

import "github.com/JakeFAU/mediagen/cmd"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.Execute(version)
}
