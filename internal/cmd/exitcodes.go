package cmd

import "github.com/fulmenhq/gofulmen/foundry"

// Exit codes used by the commands.
var (
	exitInvalidArgument = foundry.ExitInvalidArgument
	exitFileNotFound    = foundry.ExitFileNotFound
	exitFileReadError   = foundry.ExitFileReadError
	exitFileWriteError  = foundry.ExitFileWriteError
	exitUnavailable     = foundry.ExitExternalServiceUnavailable
	exitInterrupted     = foundry.ExitSignalInt
)
