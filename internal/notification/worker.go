package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lab-lending-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Job is one state change to announce to a requester.
type Job struct {
	TransactionID string
	RequesterID   string
	State         model.TransactionState
	Reason        string

	// Overdue marks a reminder that a borrowed transaction is past its expected return.
	Overdue bool
}

// Message is the push payload the browser receives.
type Message struct {
	Title         string                 `json:"title"`
	Body          string                 `json:"body"`
	TransactionID string                 `json:"transactionId"`
	State         model.TransactionState `json:"state"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool with a queue of queueSize jobs.
func NewWorkerPool(size, queueSize int, db *gorm.DB, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize < size {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("Notification worker started", zap.Int("worker", id))
	for {
		select {
		case job := <-wp.jobs:
			wp.sendNotificationsForJob(ctx, job)
		case <-ctx.Done():
			wp.log.Debug("Notification worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a job. It never blocks the caller; when the queue is full
// the job is dropped.
func (wp *WorkerPool) Dispatch(job Job) {
	select {
	case wp.jobs <- job:
	default:
		wp.log.Warn("Notification queue full, dropping job",
			zap.String("transaction", job.TransactionID),
			zap.String("state", string(job.State)))
	}
}

// TransactionChanged queues a notification for the transaction's requester.
func (wp *WorkerPool) TransactionChanged(t model.Transaction) {
	wp.Dispatch(Job{
		TransactionID: t.ID,
		RequesterID:   t.RequesterID,
		State:         t.State,
		Reason:        t.RejectionReason,
	})
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

func messageFor(job Job) Message {
	m := Message{TransactionID: job.TransactionID, State: job.State}
	if job.Overdue {
		m.Title = "Return overdue"
		m.Body = fmt.Sprintf("The equipment of request %s is past its expected return. Please bring it back.", job.TransactionID)
		return m
	}
	switch job.State {
	case model.StateBorrowed:
		m.Title = "Request approved"
		m.Body = fmt.Sprintf("Your borrow request %s was approved and is ready for pickup.", job.TransactionID)
	case model.StateRejected:
		m.Title = "Request rejected"
		m.Body = fmt.Sprintf("Your borrow request %s was rejected.", job.TransactionID)
		if job.Reason != "" {
			m.Body = fmt.Sprintf("Your borrow request %s was rejected: %s", job.TransactionID, job.Reason)
		}
	case model.StateReturned:
		m.Title = "Return recorded"
		m.Body = fmt.Sprintf("The equipment of request %s has been checked in.", job.TransactionID)
	default:
		m.Title = "Request updated"
		m.Body = fmt.Sprintf("Your borrow request %s is now %s.", job.TransactionID, job.State)
	}
	return m
}

// sendNotificationsForJob fetches the requester's subscriptions and notifies each.
func (wp *WorkerPool) sendNotificationsForJob(ctx context.Context, job Job) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("user_id = ?", job.RequesterID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error("Failed to fetch subscriptions",
			zap.String("user", job.RequesterID),
			zap.Error(err))
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(messageFor(job))
	if err != nil {
		wp.log.Error("Failed to encode notification", zap.Error(err))
		return
	}

	wp.log.Debug("Sending notifications",
		zap.String("transaction", job.TransactionID),
		zap.Int("subscriptions", len(subscriptions)))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn("Failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.log.Info("Subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error("Failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
