package emulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhnurbekov/robot-sub000/contracts"
)

type dispatchKey struct {
	module    string
	operation string
}

type handlerFunc func(ctx context.Context, req *contracts.Request) (map[string]any, error)

func (s *Server) registerHandlers() {
	s.handlers = map[dispatchKey]handlerFunc{
		{contracts.ModuleCommonUtils, "signXml"}:      s.handleSignXML,
		{contracts.ModuleCommonUtils, "getKeyInfo"}:   s.handleKeyInfo,
		{contracts.ModuleCommonUtils, "signMultiple"}: s.handleSignMultiple,
		{contracts.ModuleBasics, "sign"}:              s.handleSignData,
		{"", "SetAPIKey"}:                             s.handleSetAPIKey,
	}
}

func credentials(req *contracts.Request) (cert, password string, err error) {
	cert = req.ParamString("certificate")
	if cert == "" {
		return "", "", errors.New("certificate is required")
	}
	password = req.ParamString("password")
	if password == "" {
		return "", "", errors.New("password is required")
	}
	return cert, password, nil
}

// handleSignXML signs arbitrary XML with the supplied certificate.
func (s *Server) handleSignXML(ctx context.Context, req *contracts.Request) (map[string]any, error) {
	cert, password, err := credentials(req)
	if err != nil {
		return nil, err
	}
	xml := req.ParamString("xml")
	if xml == "" {
		return nil, errors.New("xml is required")
	}

	signed, err := s.signer.SignXML(ctx, xml, cert, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": signed}, nil
}

// handleKeyInfo returns certificate metadata.
func (s *Server) handleKeyInfo(ctx context.Context, req *contracts.Request) (map[string]any, error) {
	cert, password, err := credentials(req)
	if err != nil {
		return nil, err
	}

	info, err := s.signer.Info(ctx, cert, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": info}, nil
}

// handleSignData signs binary data, answering with the signature and
// the certificate it was produced with.
func (s *Server) handleSignData(ctx context.Context, req *contracts.Request) (map[string]any, error) {
	cert, password, err := credentials(req)
	if err != nil {
		return nil, err
	}
	data := req.ParamString("data")
	if data == "" {
		return nil, errors.New("data is required")
	}

	signature, err := s.signer.SignData(ctx, data, cert, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"signature":   signature,
		"certificate": cert,
	}, nil
}

// handleSignMultiple signs every value of the texts map with one
// certificate and returns the same keys mapped to signatures. Any one
// failure fails the whole operation.
func (s *Server) handleSignMultiple(ctx context.Context, req *contracts.Request) (map[string]any, error) {
	cert, password, err := credentials(req)
	if err != nil {
		return nil, err
	}
	rawTexts, ok := req.Param["texts"].(map[string]any)
	if !ok || len(rawTexts) == 0 {
		return nil, errors.New("texts map is required")
	}

	signatures := make(map[string]string, len(rawTexts))
	for key, value := range rawTexts {
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("texts[%s] is not a string", key)
		}
		signature, err := s.signer.SignCMS(ctx, text, cert, password)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", key, err)
		}
		signatures[key] = signature
	}
	return map[string]any{"result": map[string]any{"signatures": signatures}}, nil
}

// handleSetAPIKey acknowledges the system API-key request locally; no
// upstream traffic is involved.
func (s *Server) handleSetAPIKey(_ context.Context, req *contracts.Request) (map[string]any, error) {
	apiKey := req.ParamString("apiKey")
	if apiKey == "" {
		return nil, errors.New("apiKey is required")
	}

	s.mu.Lock()
	s.apiKey = apiKey
	s.mu.Unlock()
	s.logger.Debug("api key set")
	return map[string]any{}, nil
}
