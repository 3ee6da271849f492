package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stockwatch/internal/models"
)

// maxMemoryAlerts bounds the in-memory ledger; the oldest alerts are evicted.
const maxMemoryAlerts = 1000

// Memory is the in-process Ledger used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	order    []string
	alerts   map[string]models.AlertMessage
	receipts map[string]map[string]models.DeliveryReceipt
}

func NewMemory() *Memory {
	return &Memory{
		alerts:   make(map[string]models.AlertMessage),
		receipts: make(map[string]map[string]models.DeliveryReceipt),
	}
}

func (m *Memory) SaveAlert(_ context.Context, a models.AlertMessage) error {
	id := a.AlertID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; ok {
		return nil
	}
	m.alerts[id] = a
	m.order = append(m.order, id)
	if len(m.order) > maxMemoryAlerts {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.alerts, evict)
		delete(m.receipts, evict)
	}
	return nil
}

func (m *Memory) SaveReceipt(_ context.Context, r models.DeliveryReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[r.AlertID]; !ok {
		return fmt.Errorf("receipt for unknown alert %s: %w", r.AlertID, ErrNotFound)
	}
	byChannel := m.receipts[r.AlertID]
	if byChannel == nil {
		byChannel = make(map[string]models.DeliveryReceipt)
		m.receipts[r.AlertID] = byChannel
	}
	byChannel[r.ChannelID] = r
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, limit int) ([]models.AlertMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertMessage, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[m.order[i]])
	}
	return out, nil
}

func (m *Memory) GetAlert(_ context.Context, alertID string) (models.AlertMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.AlertMessage{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) Receipts(_ context.Context, alertID string) ([]models.DeliveryReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.alerts[alertID]; !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	out := make([]models.DeliveryReceipt, 0, len(m.receipts[alertID]))
	for _, r := range m.receipts[alertID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}
