package packager

import (
	"bytes"
	"sync"
)

// truncationMarker дописывается к обрезанному выводу.
const truncationMarker = "\n...[вывод обрезан]"

// outputBudget — общий лимит байт для всех потоков одного запуска.
type outputBudget struct {
	mu        sync.Mutex
	remaining int
}

func newOutputBudget(limit int) *outputBudget {
	return &outputBudget{remaining: max(limit, 0)}
}

// take резервирует до n байт и возвращает, сколько удалось взять.
func (o *outputBudget) take(n int) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	got := min(n, o.remaining)
	o.remaining -= got
	return got
}

// buffer возвращает новый поток, расходующий этот лимит.
func (o *outputBudget) buffer() *cappedBuffer {
	return &cappedBuffer{budget: o}
}

// cappedBuffer — io.Writer, сохраняющий вывод в пределах общего лимита.
// Запись сверх лимита отбрасывается, но не возвращает ошибку:
// иначе подпроцесс получил бы EPIPE и завершился раньше времени.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	budget    *outputBudget
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.budget.take(len(p))
	b.buf.Write(p[:n])
	if n < len(p) {
		b.truncated = true
	}
	return len(p), nil
}

// String возвращает сохранённый вывод; обрезанный вывод помечается.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// Truncated сообщает, была ли часть вывода отброшена.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
