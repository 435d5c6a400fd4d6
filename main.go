package main

import (
	"fmt"

	"github.com/andonworks/opcua-runtime/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
