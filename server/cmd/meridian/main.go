package main

import (
	"gitlab.com/meridian-workflow/meridian/server/commands"
)

func main() {
	commands.Execute()
}
