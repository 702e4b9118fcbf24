package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer that may still be blocked on a send after
// the consumer has stopped caring (e.g. the frame channel of a closed
// [FrameStream]).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
