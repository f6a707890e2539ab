package credentials

import (
	"context"

	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/routing"
)

// StaticRetriever always returns the same credential and never notifies.
type StaticRetriever struct {
	Credential identity.CredentialAndPurposeKey
}

func (s *StaticRetriever) Initialize(context.Context) error { return nil }

func (s *StaticRetriever) Retrieve(context.Context) (*identity.CredentialAndPurposeKey, error) {
	cred := s.Credential
	return &cred, nil
}

func (s *StaticRetriever) Subscribe(routing.Address) error   { return nil }
func (s *StaticRetriever) Unsubscribe(routing.Address) error { return nil }

var (
	_ Retriever = (*Refresher)(nil)
	_ Retriever = (*StaticRetriever)(nil)
)
