/*
Copyright © 2023 Glossopoeia
*/
package main

import (
	"github.com/glossopoeia/tapebc/cmd"
)

func main() {
	cmd.Execute()
}
