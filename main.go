package main

import "github.com/jmehdipour/delivery-saga/cmd"

func main() {
	cmd.Execute()
}
