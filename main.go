package main

import (
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"flowbroker/cmd"
)

func main() {
	logger := log.New(os.Stderr, "[cmd] ", log.LstdFlags)

	if err := cmd.Execute(); err != nil {
		logger.Fatalln(err.Error())
	}
}
