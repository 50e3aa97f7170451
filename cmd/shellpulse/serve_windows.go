//go:build windows
// +build windows

package main

import "errors"

func handleServe(args []string) error {
	return errors.New("serve requires a unix pty and is not available on windows")
}
