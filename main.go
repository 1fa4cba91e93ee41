package main

import "github.com/pchaigno/go-ebpf-verifier/cmd"

func main() {
	cmd.Execute()
}
