package memory

import (
	"context"
	"sort"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// NotificationStore is an in-memory implementation of storage.NotificationStore.
type NotificationStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Notification // keyed by notification id
}

// NewNotificationStore creates a new in-memory notification store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		data: make(map[string]*domain.Notification),
	}
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	copy := *n
	copy.Payload = append([]byte(nil), n.Payload...)
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		copy.DeliveredAt = &t
	}
	return &copy
}

// Insert adds a new notification. Returns ErrDuplicateKey if notification_id exists.
func (s *NotificationStore) Insert(_ context.Context, n *domain.Notification) error {
	if n == nil || n.NotificationID == "" || n.OrderID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[n.NotificationID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[n.NotificationID] = cloneNotification(n)
	return nil
}

// GetByID retrieves a notification. Returns ErrNotFound if not exists.
func (s *NotificationStore) GetByID(_ context.Context, notificationID string) (*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.data[notificationID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneNotification(n), nil
}

// Update rewrites delivery bookkeeping for an existing notification.
func (s *NotificationStore) Update(_ context.Context, n *domain.Notification) error {
	if n == nil || n.NotificationID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[n.NotificationID]; !exists {
		return storage.ErrNotFound
	}
	s.data[n.NotificationID] = cloneNotification(n)
	return nil
}

// ListUndelivered retrieves PENDING and RETRYING notifications ordered by
// (order_id, seq).
func (s *NotificationStore) ListUndelivered(_ context.Context) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Notification
	for _, n := range s.data {
		if n.Deliverable() {
			result = append(result, cloneNotification(n))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OrderID != result[j].OrderID {
			return result[i].OrderID < result[j].OrderID
		}
		return result[i].Seq < result[j].Seq
	})

	return result, nil
}

// ListByOrder retrieves all notifications for an order, ordered by seq ASC.
func (s *NotificationStore) ListByOrder(_ context.Context, orderID string) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Notification
	for _, n := range s.data {
		if n.OrderID == orderID {
			result = append(result, cloneNotification(n))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})

	return result, nil
}

var _ storage.NotificationStore = (*NotificationStore)(nil)
