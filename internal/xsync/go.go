// Package xsync contains concurrency helpers.
package xsync

import "fmt"

// Go runs fn in another goroutine and returns a channel that will
// receive its error. A panic in fn is recovered and delivered as an
// error so a broken test goroutine cannot take down the process.
func Go(fn func() error) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer func() {
			r := recover()
			if r != nil {
				select {
				case errs <- fmt.Errorf("panic in go fn: %v", r):
				default:
				}
			}
		}()
		errs <- fn()
	}()

	return errs
}
