package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSScheme is the address scheme of hops served by NATSTransport.
const NATSScheme = "nats"

// NATSOptions configures a NATS connection.
type NATSOptions struct {
	URL             string
	Name            string
	ReconnectWait   time.Duration
	MaxReconnects   int
	CredentialsFile string
}

// ConnectNATS dials NATS with reconnect handling and logging.
func ConnectNATS(opts NATSOptions) (*nats.Conn, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectNATS",
				"error":    fmt.Sprint(err),
			}).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectNATS",
				"url":      nc.ConnectedUrl(),
			}).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logrus.WithField("function", "ConnectNATS").Info("NATS connection closed")
		}),
	}
	if opts.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.CredentialsFile))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// natsEnvelope is the wire form of a routed message on NATS.
type natsEnvelope struct {
	Sender      string `cbor:"1,keyasint"`
	OnwardRoute Route  `cbor:"2,keyasint"`
	ReturnRoute Route  `cbor:"3,keyasint"`
	Payload     []byte `cbor:"4,keyasint"`
}

func encodeEnvelope(sender string, msg Message) ([]byte, error) {
	return cbor.Marshal(natsEnvelope{
		Sender:      sender,
		OnwardRoute: msg.OnwardRoute,
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	})
}

// decodeEnvelope turns wire bytes into a local message whose return route
// leads back through NATS to the sender.
func decodeEnvelope(data []byte) (Message, error) {
	var env natsEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("invalid NATS envelope: %w", err)
	}
	if env.Sender == "" {
		return Message{}, errors.New("invalid NATS envelope: missing sender")
	}
	return Message{
		OnwardRoute: env.OnwardRoute,
		ReturnRoute: env.ReturnRoute.Prepend(TransportAddress(NATSScheme, env.Sender)),
		Payload:     env.Payload,
	}, nil
}

// NATSTransport bridges a Node to other nodes over NATS. Hops of the form
// "nats#<subject>" are published to <subject>; messages arriving on the
// transport's own subject are routed locally.
type NATSTransport struct {
	node    *Node
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
}

// NewNATSTransport subscribes to subject and registers the transport on
// node under NATSScheme.
func NewNATSTransport(node *Node, conn *nats.Conn, subject string) (*NATSTransport, error) {
	if subject == "" {
		return nil, errors.New("NATS subject is required")
	}
	t := &NATSTransport{node: node, conn: conn, subject: subject}

	if err := node.Register(Address(NATSScheme), t); err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(subject, t.receive)
	if err != nil {
		node.Unregister(Address(NATSScheme))
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.sub = sub

	logrus.WithFields(logrus.Fields{
		"function": "NewNATSTransport",
		"node":     node.Name(),
		"subject":  subject,
	}).Info("NATS transport started")
	return t, nil
}

// Address is the route hop other nodes use to reach this node.
func (t *NATSTransport) Address() Address {
	return TransportAddress(NATSScheme, t.subject)
}

// HandleMessage publishes a delivery to the subject named by its hop.
func (t *NATSTransport) HandleMessage(_ context.Context, d Delivery) error {
	subject := d.Address.Remote()
	if d.Address.Scheme() != NATSScheme || subject == "" {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, d.Address)
	}

	data, err := encodeEnvelope(t.subject, d.Message)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (t *NATSTransport) receive(m *nats.Msg) {
	msg, err := decodeEnvelope(m.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receive",
			"subject":  m.Subject,
			"error":    err.Error(),
		}).Warn("Dropping NATS message")
		return
	}

	if err := t.node.Send(context.Background(), msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receive",
			"subject":  m.Subject,
			"onward":   msg.OnwardRoute.String(),
			"error":    err.Error(),
		}).Warn("Failed to route NATS message")
	}
}

// Close unsubscribes and unregisters the transport. The connection is
// left to its owner.
func (t *NATSTransport) Close() error {
	t.node.Unregister(Address(NATSScheme))
	if t.sub != nil {
		return t.sub.Unsubscribe()
	}
	return nil
}
