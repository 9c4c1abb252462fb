package main

import (
	"fmt"

	"github.com/gorax/flow/internal/buildinfo"
)

func main() {
	info := buildinfo.GetInfo()
	fmt.Println(info.String())
}
