package flush

// OpFuture represents a flush which is executing in the background. The
// flush has completed when Done selects. Err may be invoked to determine
// whether the flush succeeded or failed.
type OpFuture interface {
	// Done selects when the flush has finished.
	Done() <-chan struct{}
	// Err blocks until Done() and returns the final error of the OpFuture.
	Err() error
}

// AsyncOperation is a minimal implementation of the OpFuture interface.
type AsyncOperation struct {
	doneCh chan struct{} // Closed to signal operation has completed.
	err    error         // Error on operation completion.
}

// NewAsyncOperation returns a new AsyncOperation.
func NewAsyncOperation() *AsyncOperation { return &AsyncOperation{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (o *AsyncOperation) Done() <-chan struct{} { return o.doneCh }

// Err blocks until Resolve is called, then returns its error.
func (o *AsyncOperation) Err() error {
	<-o.Done()
	return o.err
}

// Resolve marks the AsyncOperation as completed with the given error.
func (o *AsyncOperation) Resolve(err error) {
	o.err = err
	close(o.doneCh)
}

// FinishedOperation returns an already-resolved OpFuture.
func FinishedOperation(err error) OpFuture {
	var op = NewAsyncOperation()
	op.Resolve(err)
	return op
}
