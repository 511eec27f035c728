package main

import "github.com/dangazineu/envprep/cmd/envprep/internal"

func main() {
	internal.Execute()
}
