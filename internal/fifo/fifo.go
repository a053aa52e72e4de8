package fifo

// Circular bounded queue used for statechart events.
// Besides the usual tail write it supports insertion and removal
// at an arbitrary position counted from the read position.
type Fifo[T any] struct {
	buffer   []T
	readPos  int
	occupied int
}

func NewFifo[T any](size int) *Fifo[T] {
	if size < 1 {
		size = 1
	}
	return &Fifo[T]{buffer: make([]T, size)}
}

func (f *Fifo[T]) Reset() {
	var zero T
	for i := range f.buffer {
		f.buffer[i] = zero
	}
	f.readPos = 0
	f.occupied = 0
}

func (f *Fifo[T]) GetSpace() int {
	return len(f.buffer) - f.occupied
}

func (f *Fifo[T]) GetOccupied() int {
	return f.occupied
}

func (f *Fifo[T]) pos(index int) int {
	return (f.readPos + index) % len(f.buffer)
}

// Write element at the tail, returns false if full
func (f *Fifo[T]) Write(element T) bool {
	if f.occupied == len(f.buffer) {
		return false
	}
	f.buffer[f.pos(f.occupied)] = element
	f.occupied++
	return true
}

// Insert element at index, elements from index on are shifted towards the tail
func (f *Fifo[T]) Insert(index int, element T) bool {
	if f.occupied == len(f.buffer) || index < 0 || index > f.occupied {
		return false
	}
	for i := f.occupied; i > index; i-- {
		f.buffer[f.pos(i)] = f.buffer[f.pos(i-1)]
	}
	f.buffer[f.pos(index)] = element
	f.occupied++
	return true
}

// Read element at index without removing it
func (f *Fifo[T]) Peek(index int) (T, bool) {
	var zero T
	if index < 0 || index >= f.occupied {
		return zero, false
	}
	return f.buffer[f.pos(index)], true
}

// Remove element at index, elements after it are shifted towards the head
func (f *Fifo[T]) Remove(index int) (T, bool) {
	var zero T
	if index < 0 || index >= f.occupied {
		return zero, false
	}
	element := f.buffer[f.pos(index)]
	for i := index; i < f.occupied-1; i++ {
		f.buffer[f.pos(i)] = f.buffer[f.pos(i+1)]
	}
	f.buffer[f.pos(f.occupied-1)] = zero
	f.occupied--
	return element, true
}

// Read and remove the head element
func (f *Fifo[T]) Read() (T, bool) {
	var zero T
	if f.occupied == 0 {
		return zero, false
	}
	element := f.buffer[f.readPos]
	f.buffer[f.readPos] = zero
	f.readPos = (f.readPos + 1) % len(f.buffer)
	f.occupied--
	return element, true
}
