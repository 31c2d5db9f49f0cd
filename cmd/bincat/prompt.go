package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// promptUpload asks before a file the server does not know leaves the machine.
// Without a terminal the upload is declined.
func promptUpload(ctx context.Context, path, serverURL string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, nil
	}
	upload := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Upload %s to %s?", path, serverURL)).
			Description("The analysis server does not have this file yet.").
			Affirmative("Upload").
			Negative("Cancel").
			Value(&upload),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return upload, nil
}
