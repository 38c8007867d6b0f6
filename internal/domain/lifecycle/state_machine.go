// Пакет lifecycle — конечный автомат жизненного цикла сборки пакета.
//
// Успешный путь:   staged → validated → built → finalized
// Путь с ошибкой:  staged | validated | built → failed
//
// Автомат линейный: ни одно состояние не повторяется, finalized и failed
// терминальны. Потокобезопасен через sync.RWMutex.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State — состояние сборки пакета.
type State string

const (
	// StateStaged — файлы размещены в source/
	StateStaged State = "staged"
	// StateValidated — entry file найден внутри source/
	StateValidated State = "validated"
	// StateBuilt — артефакт получен (инструмент или degraded mode)
	StateBuilt State = "built"
	// StateFinalized — запись сохранена, source/ удалён
	StateFinalized State = "finalized"
	// StateFailed — сборка завершилась ошибкой, директория пакета удалена
	StateFailed State = "failed"
)

// ErrInvalidTransition — переход не разрешён матрицей validTransitions.
var ErrInvalidTransition = errors.New("недопустимый переход состояния")

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateStaged:    {StateValidated: true, StateFailed: true},
	StateValidated: {StateBuilt: true, StateFailed: true},
	StateBuilt:     {StateFinalized: true, StateFailed: true},
	StateFinalized: {},
	StateFailed:    {},
}

// Machine — автомат одной сборки.
type Machine struct {
	mu        sync.RWMutex
	packageID string
	current   State
	history   []TransitionRecord
	now       func() time.Time
}

// New создаёт автомат в состоянии staged.
func New(packageID string) *Machine {
	return NewWithClock(packageID, time.Now)
}

// NewWithClock создаёт автомат с заданным источником времени.
func NewWithClock(packageID string, now func() time.Time) *Machine {
	return &Machine{
		packageID: packageID,
		current:   StateStaged,
		history:   make([]TransitionRecord, 0, 4),
		now:       now,
	}
}

// Current возвращает текущее состояние.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsTerminal возвращает true для finalized и failed.
func (m *Machine) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(validTransitions[m.current]) == 0
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validTransitions[m.current][target]
}

// TransitionTo выполняет переход. Возвращает ошибку, оборачивающую
// ErrInvalidTransition, если переход недопустим.
func (m *Machine) TransitionTo(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !validTransitions[m.current][target] {
		return fmt.Errorf("%w: пакет %s, %s → %s", ErrInvalidTransition, m.packageID, m.current, target)
	}

	m.history = append(m.history, TransitionRecord{
		From:      m.current,
		To:        target,
		Timestamp: m.now().UTC(),
	})
	m.current = target
	return nil
}

// Fail переводит автомат в failed из любого нетерминального состояния.
// Возвращает состояние, из которого произошёл переход.
func (m *Machine) Fail() (State, error) {
	from := m.Current()
	return from, m.TransitionTo(StateFailed)
}

// History возвращает историю переходов (копия).
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TransitionRecord, len(m.history))
	copy(result, m.history)
	return result
}
