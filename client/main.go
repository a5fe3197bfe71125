/*
Copyright © 2024 Nokia
*/
package main

import "github.com/iptecharch/calc-server/client/cmd"

func main() {
	cmd.Execute()
}
