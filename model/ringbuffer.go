package model

// RingBuffer 固定容量的循环队列，写满后覆盖最旧的未读元素
type RingBuffer[T any] struct {
	data  []T
	size  int
	head  int
	tail  int
	count int
}

// NewRingBuffer 创建一个新的固定长度的循环队列
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{
		data: make([]T, size),
		size: size,
	}
}

// Push 写入新数据，队列已满时覆盖最旧的元素
func (rb *RingBuffer[T]) Push(value T) {
	rb.data[rb.head] = value
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	} else {
		rb.tail = (rb.tail + 1) % rb.size
	}
}

// Pop 弹出最旧的元素
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	value := rb.data[rb.tail]
	rb.data[rb.tail] = zero
	rb.tail = (rb.tail + 1) % rb.size
	rb.count--
	return value, true
}

// Peek 返回最旧的元素但不弹出
func (rb *RingBuffer[T]) Peek() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	return rb.data[rb.tail], true
}

func (rb *RingBuffer[T]) Len() int {
	return rb.count
}

func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

func (rb *RingBuffer[T]) Empty() bool {
	return rb.count == 0
}

// Clear 清空循环队列中的所有元素
func (rb *RingBuffer[T]) Clear() {
	rb.data = make([]T, rb.size)
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}
