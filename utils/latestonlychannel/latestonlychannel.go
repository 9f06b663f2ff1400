/*
Copyright 2025-Present Lattice Labs, Inc.

Use of this software is governed by the Apache License, Version 2.0,
included in the file licenses/APL2.txt.
*/

package latestonlychannel

// Wrap creates a channel pipe which guarantees that the input channel will
// never block, by keeping no queue and discarding older entries once newer
// values arrive on the input channel.  You must close the input channel to
// release internal resources.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
	MainLoop:
		for {
			latestData, ok := <-inputCh
			if !ok {
				// input channel closed
				break MainLoop
			}

		SendLoop:
			for {
				select {
				case outputCh <- latestData:
					// once the latest value has gone out we return to the
					// blocking read above, which guarantees we never emit
					// more values than were received.
					// Eg: count(outputCh) <= count(inputCh)
					break SendLoop
				case updatedData, ok := <-inputCh:
					if !ok {
						break MainLoop
					}

					latestData = updatedData
				}
			}
		}

		close(outputCh)
	}()

	return outputCh
}
