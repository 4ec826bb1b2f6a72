//go:build !unix

package main

import "context"

// watchConfig is a no-op where SIGHUP does not exist.
func (a *app) watchConfig(context.Context, *rootOptions) {}
