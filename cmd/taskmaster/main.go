package main

import (
	"os"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
