// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "fmt"

type linkedListCell[T any] struct {
	value    T
	next     *linkedListCell[T]
	previous *linkedListCell[T]
}

// linkedList is a doubly linked list whose cells can be removed in O(1)
// by the holder of the cell pointer. Ready lists, pending lists and
// timeout lists of the engine are built on it.
type linkedList[T any] struct {
	head *linkedListCell[T]
	tail *linkedListCell[T]
	size int
}

func (list *linkedList[T]) empty() bool {
	return list.size == 0
}

func (list *linkedList[T]) len() int {
	return list.size
}

func (list *linkedList[T]) front() *linkedListCell[T] {
	return list.head
}

func (list *linkedList[T]) addRear(value T) *linkedListCell[T] {
	cell := &linkedListCell[T]{value: value, previous: list.tail}
	if list.tail == nil {
		list.head = cell
	} else {
		list.tail.next = cell
	}
	list.tail = cell
	list.size += 1
	return cell
}

// insertBefore links value in front of mark. A nil mark appends.
func (list *linkedList[T]) insertBefore(mark *linkedListCell[T], value T) *linkedListCell[T] {
	if mark == nil {
		return list.addRear(value)
	}
	cell := &linkedListCell[T]{value: value, next: mark, previous: mark.previous}
	if mark.previous == nil {
		list.head = cell
	} else {
		mark.previous.next = cell
	}
	mark.previous = cell
	list.size += 1
	return cell
}

func (list *linkedList[T]) removeFront() (T, error) {
	var defaultValue T
	if list.size == 0 {
		return defaultValue, fmt.Errorf("can't remove from an empty list")
	}
	return list.removeByPointer(list.head)
}

func (list *linkedList[T]) removeByPointer(pointer *linkedListCell[T]) (T, error) {
	var defaultValue T
	if list.size == 0 {
		return defaultValue, fmt.Errorf("attempt to delete from an empty list")
	}
	if pointer.previous == nil && list.head != pointer {
		return defaultValue, fmt.Errorf("cell does not belong to the list")
	}
	if pointer.previous != nil {
		pointer.previous.next = pointer.next
	} else {
		list.head = pointer.next
	}
	if pointer.next != nil {
		pointer.next.previous = pointer.previous
	} else {
		list.tail = pointer.previous
	}
	pointer.next = nil
	pointer.previous = nil
	list.size -= 1
	return pointer.value, nil
}

func (list *linkedList[T]) content() []T {
	result := make([]T, 0, list.size)
	for cell := list.head; cell != nil; cell = cell.next {
		result = append(result, cell.value)
	}
	return result
}
