package authsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/curia-network/embedhost/wire"
)

// FetchUserCommunities returns the communities the authenticated user can
// see. Failures degrade to an empty list; an empty list is a valid outcome
// for brand-new users, so callers must not retry on it.
func (s *Service) FetchUserCommunities(ctx context.Context, auth AuthContext) []Community {
	if cached, ok := s.communities.Get(auth.SessionToken); ok {
		return cached
	}

	raw, err := s.fetch(ctx, auth, wire.MethodGetUserCommunities, "/api/communities")
	if err != nil {
		s.log.WarnContext(ctx, "failed to fetch communities", slog.String("err", err.Error()))
		return []Community{}
	}
	list, err := decodeCommunities(raw)
	if err != nil {
		s.log.WarnContext(ctx, "failed to decode communities", slog.String("err", err.Error()))
		return []Community{}
	}

	s.communities.Add(auth.SessionToken, list)
	return list
}

// FetchUserProfile returns the enriched identity for the authenticated
// user. Failures degrade to absent; the flow continues with the minimal
// identity from the auth completion.
func (s *Service) FetchUserProfile(ctx context.Context, auth AuthContext) (Profile, bool) {
	if cached, ok := s.profiles.Get(auth.SessionToken); ok {
		return cached, true
	}

	raw, err := s.fetch(ctx, auth, wire.MethodGetUserProfile, "/api/me")
	if err != nil {
		s.log.WarnContext(ctx, "failed to fetch profile", slog.String("err", err.Error()))
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.WarnContext(ctx, "failed to decode profile", slog.String("err", err.Error()))
		return Profile{}, false
	}

	s.profiles.Add(auth.SessionToken, p)
	return p, true
}

// fetch tries the API proxy first and falls back to a direct HTTP call.
// The fallback covers the window before the proxy surface is ready.
func (s *Service) fetch(ctx context.Context, auth AuthContext, method wire.Method, path string) (json.RawMessage, error) {
	var proxyErr error
	if s.proxy != nil {
		res, err := s.proxy.Call(ctx, method, nil, auth.CallAuth())
		if err == nil && res.OK {
			return res.Data, nil
		}
		if err != nil {
			proxyErr = err
		} else {
			proxyErr = fmt.Errorf("authsvc: %s: %s", res.ErrorCode, res.ErrorMessage)
		}
	}

	if s.baseURL == "" {
		if proxyErr != nil {
			return nil, proxyErr
		}
		return nil, fmt.Errorf("authsvc: no proxy and no API base URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.SessionToken)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authsvc: unexpected status %d from %s", resp.StatusCode, path)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// decodeCommunities accepts both a bare array and the wrapped envelope the
// backend uses on some deployments.
func decodeCommunities(raw json.RawMessage) ([]Community, error) {
	var list []Community
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Communities []Community `json:"communities"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Communities, nil
}
