package main

import (
	"go-ytfetch-service/cmd/ytfetchd/cmd"
)

func main() {
	cmd.Execute()
}
