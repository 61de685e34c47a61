package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	ibroker "github.com/rmacdonaldsmith/topicmesh-go/internal/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/retained"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

const (
	// DefaultReceiveWait bounds a receive long poll when the request names no wait.
	DefaultReceiveWait = 5 * time.Second
	// MaxReceiveWait caps the wait a client may ask for.
	MaxReceiveWait = 30 * time.Second
	// DefaultReceiveMax is the batch size of a receive when none is given.
	DefaultReceiveMax = 10
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	broker    broker.Broker
	jwtAuth   *JWTAuth
	admins    []string
	keepAlive time.Duration
	log       *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(b broker.Broker, jwtAuth *JWTAuth, admins []string, keepAlive time.Duration, log *slog.Logger) *Handlers {
	return &Handlers{
		broker:    b,
		jwtAuth:   jwtAuth,
		admins:    admins,
		keepAlive: keepAlive,
		log:       log,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login. Identity is taken on trust; the
// token carries the client id, its resource set and whether it may use the
// admin endpoints.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateClientID(req.ClientID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.connect(r.Context(), req.ClientID, req.ResourceSet); err != nil {
		h.writeBrokerError(w, "Failed to connect client", err)
		return
	}

	isAdmin := slices.Contains(h.admins, req.ClientID)
	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, req.ResourceSet, isAdmin)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:       token,
		ClientID:    req.ClientID,
		ResourceSet: req.ResourceSet,
		IsAdmin:     isAdmin,
		ExpiresAt:   expiresAt,
	}, http.StatusOK)
}

// Logout handles POST /api/v1/auth/logout. Non-durable subscriptions are
// dropped with the session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Disconnect(r.Context(), GetClientID(r)); err != nil && !errors.Is(err, rc.ErrNotFound) {
		h.writeBrokerError(w, "Failed to disconnect client", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// connect registers the client with the broker unless it already is.
func (h *Handlers) connect(ctx context.Context, clientID, resourceSet string) error {
	err := h.broker.Connect(ctx, clientID, resourceSet)
	if errors.Is(err, rc.ErrExists) {
		return nil
	}
	return err
}

// session makes sure the authenticated client is connected. Tokens outlive
// broker restarts, so the session is re-established on demand.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := GetClaims(r)
	if claims == nil {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return "", false
	}
	if err := h.connect(r.Context(), claims.ClientID, claims.ResourceSet); err != nil {
		h.writeBrokerError(w, "Failed to connect client", err)
		return "", false
	}
	return claims.ClientID, true
}

// Message endpoints

// PublishMessage handles POST /api/v1/messages
func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}

	msg, err := buildMessage(&req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer msg.Release()

	res, err := h.broker.Publish(r.Context(), broker.PublishRequest{
		ClientID: clientID,
		Message:  msg,
		Options: broker.PublishOptions{
			InformationalCodes: req.InformationalCodes,
			FailOnRejection:    req.FailOnRejection,
			OnlyUpdateRetained: req.OnlyUpdateRetained,
		},
	})
	if err != nil {
		h.writeBrokerError(w, "Failed to publish message", err)
		return
	}

	writeJSON(w, PublishResponse{
		MessageID:       msg.ID,
		Code:            res.CodeName(),
		Subscribers:     res.Subscribers,
		Remotes:         res.Remotes,
		Delivered:       res.Delivered,
		Skipped:         res.Skipped,
		Rejected:        res.Rejected,
		RetainedUpdated: res.RetainedUpdated,
		Timestamp:       msg.Timestamp,
	}, http.StatusCreated)
}

// buildMessage converts a publish request into a message.
func buildMessage(req *PublishRequest) (*message.Message, error) {
	if req.Topic == "" {
		return nil, errors.New("topic is required")
	}
	qos, err := parseQoS(req.QoS)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid ttl %q", req.TTL)
		}
	}

	payload := []byte(req.Payload)
	if string(payload) == "null" {
		payload = nil
	}
	msg := message.NewWithProperties(req.Topic, payload, req.Properties)
	msg.Reliability = qos
	msg.Retain = req.Retain
	if req.Persistent {
		msg.Persistence = message.Persistent
	}
	if ttl > 0 {
		msg.Expiry = msg.Timestamp.Add(ttl)
	}
	return msg, nil
}

// ReceiveMessages handles GET /api/v1/messages?subscription={name}. It waits
// up to "wait" for the first message and returns at most "max" messages.
func (h *Handlers) ReceiveMessages(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	name := q.Get("subscription")
	if name == "" {
		writeError(w, "subscription query parameter is required", http.StatusBadRequest)
		return
	}
	wait, maxMessages, err := parseReceiveParams(q.Get("wait"), q.Get("max"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := ReceiveResponse{Subscription: name, Messages: []MessageResponse{}}

	waitCtx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	msg, err := h.broker.Receive(waitCtx, clientID, name)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			writeJSON(w, resp, http.StatusOK)
			return
		}
		h.writeBrokerError(w, "Failed to receive", err)
		return
	}
	resp.Messages = append(resp.Messages, toMessageResponse(msg))

	// The rest of the batch only takes what is already queued.
	drained, stop := context.WithCancel(r.Context())
	stop()
	for len(resp.Messages) < maxMessages {
		msg, err := h.broker.Receive(drained, clientID, name)
		if err != nil {
			break
		}
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}

	writeJSON(w, resp, http.StatusOK)
}

// StreamMessages handles GET /api/v1/messages/stream?subscription={name} as
// Server-Sent Events, with a comment line as keepalive.
func (h *Handlers) StreamMessages(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("subscription")
	if name == "" {
		writeError(w, "subscription query parameter is required", http.StatusBadRequest)
		return
	}
	if !h.owns(r.Context(), clientID, name) {
		writeError(w, fmt.Sprintf("subscription %q not found", name), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher := http.NewResponseController(w)
	fmt.Fprintf(w, ": stream established for subscription %s\n\n", name)
	_ = flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
		msg, err := h.broker.Receive(waitCtx, clientID, name)
		cancel()

		switch {
		case err == nil:
			if err := writeSSEMessage(w, toMessageResponse(msg)); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		default:
			if ctx.Err() == nil {
				fmt.Fprintf(w, "event: end\ndata: %s\n\n", err.Error())
				_ = flusher.Flush()
			}
			return
		}
		if err := flusher.Flush(); err != nil {
			return
		}
	}
}

// owns reports whether the client can receive from the named subscription.
func (h *Handlers) owns(ctx context.Context, clientID, name string) bool {
	subs, err := h.broker.ListSubscriptions(ctx, clientID)
	if err != nil {
		return false
	}
	if slices.ContainsFunc(subs, func(s broker.SubscriptionInfo) bool { return s.Name == name }) {
		return true
	}
	all, err := h.broker.ListSubscriptions(ctx, "")
	if err != nil {
		return false
	}
	return slices.ContainsFunc(all, func(s broker.SubscriptionInfo) bool {
		return s.Name == name && slices.Contains(s.Members, clientID)
	})
}

// toMessageResponse converts msg and releases the caller's reference.
func toMessageResponse(msg *message.Message) MessageResponse {
	defer msg.Release()

	var payload json.RawMessage
	switch {
	case len(msg.Payload) == 0:
	case json.Valid(msg.Payload):
		payload = json.RawMessage(msg.Payload)
	default:
		payload, _ = json.Marshal(string(msg.Payload))
	}
	return MessageResponse{
		ID:           msg.ID,
		Topic:        msg.Topic,
		Payload:      payload,
		Properties:   msg.Properties,
		QoS:          msg.Reliability.String(),
		Retained:     msg.Retain,
		OriginServer: msg.OriginServer,
		Timestamp:    msg.Timestamp,
	}
}

// Subscription endpoints

// ListSubscriptions handles GET /api/v1/subscriptions
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	subs, err := h.broker.ListSubscriptions(r.Context(), clientID)
	if err != nil {
		h.writeBrokerError(w, "Failed to list subscriptions", err)
		return
	}
	writeJSON(w, SubscriptionsListResponse{Subscriptions: nonNil(subs)}, http.StatusOK)
}

// CreateSubscription handles POST /api/v1/subscriptions
func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Pattern == "" {
		writeError(w, "pattern is required", http.StatusBadRequest)
		return
	}
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}

	qos, err := parseQoS(req.QoS)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := delivery.ParseOptions(req.Options)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := h.broker.Subscribe(r.Context(), broker.SubscribeRequest{
		ClientID:    clientID,
		Name:        req.Name,
		Pattern:     req.Pattern,
		QoS:         qos,
		Options:     opts,
		Selector:    req.Selector,
		MaxMessages: req.MaxMessages,
	})
	if err != nil {
		h.writeBrokerError(w, "Failed to create subscription", err)
		return
	}
	writeJSON(w, info, http.StatusCreated)
}

// DeleteSubscription handles DELETE /api/v1/subscriptions/{name}
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if name == "" {
		writeError(w, "Subscription name required", http.StatusBadRequest)
		return
	}
	if err := h.broker.Unsubscribe(r.Context(), clientID, name); err != nil {
		h.writeBrokerError(w, "Failed to delete subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinShared handles POST /api/v1/shared/{owner}/{name}
func (h *Handlers) JoinShared(w http.ResponseWriter, r *http.Request) {
	var req SharedRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	qos, err := parseQoS(req.QoS)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.broker.JoinShared(r.Context(), r.PathValue("owner"), r.PathValue("name"), clientID, qos); err != nil {
		h.writeBrokerError(w, "Failed to join shared subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveShared handles DELETE /api/v1/shared/{owner}/{name}
func (h *Handlers) LeaveShared(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.broker.LeaveShared(r.Context(), r.PathValue("owner"), r.PathValue("name"), clientID); err != nil {
		h.writeBrokerError(w, "Failed to leave shared subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin endpoints

// AdminListSubscriptions handles GET /api/v1/admin/subscriptions[?client=]
func (h *Handlers) AdminListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.broker.ListSubscriptions(r.Context(), r.URL.Query().Get("client"))
	if err != nil {
		h.writeBrokerError(w, "Failed to list subscriptions", err)
		return
	}
	writeJSON(w, SubscriptionsListResponse{Subscriptions: nonNil(subs)}, http.StatusOK)
}

// AdminPatterns handles GET /api/v1/admin/patterns
func (h *Handlers) AdminPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.broker.Patterns(r.Context())
	if err != nil {
		h.writeBrokerError(w, "Failed to list patterns", err)
		return
	}
	if patterns == nil {
		patterns = []broker.PatternInfo{}
	}
	writeJSON(w, PatternsResponse{Patterns: patterns}, http.StatusOK)
}

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.broker.Stats(r.Context())
	if err != nil {
		h.writeBrokerError(w, "Failed to get stats", err)
		return
	}
	writeJSON(w, stats, http.StatusOK)
}

// AdminDisconnectClient handles DELETE /api/v1/admin/clients/{client}
func (h *Handlers) AdminDisconnectClient(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Disconnect(r.Context(), r.PathValue("client")); err != nil {
		h.writeBrokerError(w, "Failed to disconnect client", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.broker.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{HealthStatus: health, NodeID: h.broker.NodeID()}, statusCode)
}

// Helper functions

// writeBrokerError maps broker errors onto HTTP status codes.
func (h *Handlers) writeBrokerError(w http.ResponseWriter, prefix string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("httpapi: broker call failed", "operation", prefix, "error", err)
	}
	writeError(w, fmt.Sprintf("%s: %v", prefix, err), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rc.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, rc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rc.ErrExists), errors.Is(err, retained.ErrOldTimestamp):
		return http.StatusConflict
	case errors.Is(err, rc.ErrCapacity), errors.Is(err, rc.ErrResourceExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, ibroker.ErrNotStarted), errors.Is(err, rc.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON checks the content type and decodes the body into v.
func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return errors.New("Content-Type must be application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Invalid request body: %v", err)
	}
	return nil
}

// validateClientID validates the client id given at login
func validateClientID(clientID string) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	if len(clientID) < 2 {
		return errors.New("clientId must be at least 2 characters")
	}
	if strings.ContainsAny(clientID, "/#+") {
		return errors.New("clientId must not contain '/', '+' or '#'")
	}
	return nil
}

// parseQoS accepts reliability names and MQTT-style digits. Empty means
// at-most-once.
func parseQoS(s string) (message.Reliability, error) {
	switch strings.ToLower(s) {
	case "", "0", message.AtMostOnce.String():
		return message.AtMostOnce, nil
	case "1", message.AtLeastOnce.String():
		return message.AtLeastOnce, nil
	case "2", message.ExactlyOnce.String():
		return message.ExactlyOnce, nil
	default:
		return 0, fmt.Errorf("unknown qos %q", s)
	}
}

func parseReceiveParams(waitParam, maxParam string) (time.Duration, int, error) {
	wait := DefaultReceiveWait
	if waitParam != "" {
		d, err := time.ParseDuration(waitParam)
		if err != nil || d < 0 {
			return 0, 0, fmt.Errorf("invalid wait %q", waitParam)
		}
		wait = min(d, MaxReceiveWait)
	}
	maxMessages := DefaultReceiveMax
	if maxParam != "" {
		n, err := strconv.Atoi(maxParam)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("invalid max %q", maxParam)
		}
		maxMessages = n
	}
	return wait, maxMessages, nil
}

// writeSSEMessage writes one message as an SSE data event
func writeSSEMessage(w http.ResponseWriter, msg MessageResponse) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE message: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", msg.ID, data)
	return err
}

func nonNil(subs []broker.SubscriptionInfo) []broker.SubscriptionInfo {
	if subs == nil {
		return []broker.SubscriptionInfo{}
	}
	return subs
}
