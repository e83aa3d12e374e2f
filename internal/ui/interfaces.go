// Package ui holds the console interaction of the CLI: session code prompts,
// listings and transfer progress.
package ui

import "context"

// InteractiveUI defines the interface for user interactions
type InteractiveUI interface {
	// ShowMessage displays a message to the user
	ShowMessage(message string)

	// ShowSessionCode displays the code a controller needs to connect
	ShowSessionCode(code string)

	// InputCode prompts the user for a session code
	InputCode(ctx context.Context) (string, error)
}

var _ InteractiveUI = (*ConsoleUI)(nil)
