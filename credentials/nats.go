package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// IssuerQueueGroup load-balances requests across issuer services sharing
// a subject.
const IssuerQueueGroup = "sechannel-issuers"

type issueRequest struct {
	Subject identity.Identifier `cbor:"1,keyasint"`
}

type issueResponse struct {
	Credential []byte `cbor:"1,keyasint,omitempty"`
	Error      string `cbor:"2,keyasint,omitempty"`
}

// NATSIssuerClient requests credentials from an authority over NATS
// request/reply. Outgoing requests are rate limited.
type NATSIssuerClient struct {
	conn    *nats.Conn
	subject string
	limiter *rate.Limiter
}

// NewNATSIssuerClient returns a client for the authority listening on
// subject. perSecond <= 0 disables the limiter.
func NewNATSIssuerClient(conn *nats.Conn, subject string, perSecond float64, burst int) *NATSIssuerClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &NATSIssuerClient{
		conn:    conn,
		subject: subject,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// IssueCredential asks the authority for a credential for subject.
func (c *NATSIssuerClient) IssueCredential(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := cbor.Marshal(issueRequest{Subject: subject})
	if err != nil {
		return nil, err
	}
	msg, err := c.conn.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, fmt.Errorf("credential request to %s failed: %w", c.subject, err)
	}

	var resp issueResponse
	if err := cbor.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("invalid issuer response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrIssuerRejected, resp.Error)
	}

	cred, err := identity.DecodeCredentialAndPurposeKey(resp.Credential)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// NATSIssuerService answers credential requests with a local issuer. Only
// subjects accepted by the policy get credentials, and each subject is
// rate limited on its own.
type NATSIssuerService struct {
	conn    *nats.Conn
	subject string
	issuer  Issuer
	policy  identity.TrustPolicy
	limiter *subjectLimiter
	time    crypto.TimeProvider
	sub     *nats.Subscription
}

// NATSIssuerServiceConfig configures a NATSIssuerService.
type NATSIssuerServiceConfig struct {
	Subject string
	Issuer  Issuer
	// Policy decides which subjects may obtain credentials.
	Policy       identity.TrustPolicy
	PerSecond    float64
	Burst        int
	TimeProvider crypto.TimeProvider
}

// NewNATSIssuerService subscribes to cfg.Subject and starts answering.
func NewNATSIssuerService(conn *nats.Conn, cfg NATSIssuerServiceConfig) (*NATSIssuerService, error) {
	if cfg.Issuer == nil || cfg.Policy == nil {
		return nil, errors.New("issuer service needs an issuer and a policy")
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = crypto.GetDefaultTimeProvider()
	}

	s := &NATSIssuerService{
		conn:    conn,
		subject: cfg.Subject,
		issuer:  cfg.Issuer,
		policy:  cfg.Policy,
		limiter: newSubjectLimiter(cfg.PerSecond, cfg.Burst, 0),
		time:    cfg.TimeProvider,
	}

	sub, err := conn.QueueSubscribe(cfg.Subject, IssuerQueueGroup, s.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Subject, err)
	}
	s.sub = sub

	logrus.WithFields(logrus.Fields{
		"function": "NewNATSIssuerService",
		"subject":  cfg.Subject,
	}).Info("Credential issuer service started")
	return s, nil
}

func (s *NATSIssuerService) handle(m *nats.Msg) {
	resp := s.answer(context.Background(), m.Data)
	data, err := cbor.Marshal(resp)
	if err != nil {
		return
	}
	if err := m.Respond(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"error":    err.Error(),
		}).Warn("Failed to answer credential request")
	}
}

// answer turns a raw request into a response.
func (s *NATSIssuerService) answer(ctx context.Context, data []byte) issueResponse {
	var req issueRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return issueResponse{Error: "invalid request"}
	}

	if !s.limiter.Allow(req.Subject.String(), s.time.Now()) {
		return issueResponse{Error: ErrRateLimited.Error()}
	}

	ok, err := s.policy.Check(ctx, identity.SecureChannelTrustInfo{TheirIdentifier: req.Subject})
	if err != nil || !ok {
		logrus.WithFields(logrus.Fields{
			"function": "answer",
			"subject":  req.Subject.String(),
		}).Warn("Credential request denied by policy")
		return issueResponse{Error: "subject not allowed"}
	}

	cred, err := s.issuer.IssueCredential(ctx, req.Subject)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "answer",
			"subject":  req.Subject.String(),
			"error":    err.Error(),
		}).Error("Failed to issue credential")
		return issueResponse{Error: "issuance failed"}
	}
	raw, err := cred.Encode()
	if err != nil {
		return issueResponse{Error: "issuance failed"}
	}

	logrus.WithFields(logrus.Fields{
		"function": "answer",
		"subject":  req.Subject.String(),
	}).Debug("Credential issued")
	return issueResponse{Credential: raw}
}

// Close stops answering requests.
func (s *NATSIssuerService) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
