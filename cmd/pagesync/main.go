package main

import "github.com/aweris/pagesync/cmd/pagesync/cmd"

func main() {
	cmd.Execute()
}
