package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Adapter output channels must be drained after cancellation so that the
// producing goroutine can observe its closed context and exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
