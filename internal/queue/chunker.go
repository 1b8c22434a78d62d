package queue

import (
	"labqueue/internal/models"
)

// Split cuts items into chunks of at most size elements, preserving the
// original relative order. Concatenating the chunks reproduces the input.
func Split(items []string, size int) [][]string {
	if size <= 0 || len(items) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Shrink halves a failing chunk into two smaller chunks as a backoff step.
// A single-item chunk refuses to shrink; the caller escalates to failure.
func Shrink(chunk []string) ([]string, []string, error) {
	if len(chunk) <= 1 {
		return nil, nil, models.ErrCannotShrink
	}

	mid := (len(chunk) + 1) / 2
	return chunk[:mid:mid], chunk[mid:], nil
}

// Head returns the next chunk of the task's payload, bounded by its current
// chunk size.
func Head(task *models.Task) []string {
	n := task.ChunkSize
	if n > len(task.Payload) {
		n = len(task.Payload)
	}
	return task.Payload[:n:n]
}
