package mcp

import (
	"encoding/json"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/cache"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
)

// resourceMIMEType is the media type of every cached document.
const resourceMIMEType = "text/markdown"

type resourceParams struct {
	URI string `json:"uri"`
}

func decodeResourceURI(raw json.RawMessage) (string, bool) {
	var p resourceParams
	if err := json.Unmarshal(raw, &p); err != nil || p.URI == "" {
		return "", false
	}
	return p.URI, true
}

// handleResourcesList enumerates the live cache entries as resources.
func (s *Server) handleResourcesList(req *rpcRequest) rpcResponse {
	resources := []map[string]any{}
	for _, key := range s.Cache.Keys() {
		uri, ok := cache.ResourceURI(key)
		if !ok {
			continue
		}
		e, ok := s.Cache.Peek(key)
		if !ok {
			continue
		}
		name := e.Title
		if name == "" {
			name = e.URL
		}
		resources = append(resources, map[string]any{
			"uri":         uri,
			"name":        name,
			"description": e.URL,
			"mimeType":    resourceMIMEType,
		})
	}
	return rpcResult(req.ID, map[string]any{"resources": resources})
}

func (s *Server) handleResourcesRead(req *rpcRequest) rpcResponse {
	uri, ok := decodeResourceURI(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "uri is required", nil)
	}
	namespace, urlHash, err := cache.ParseResourceURI(uri)
	if err != nil {
		return rpcFailure(req.ID, codeInvalidParams, err.Error(), nil)
	}
	e, ok := s.Cache.FindByHash(namespace, urlHash)
	if !ok {
		return rpcFailure(req.ID, codeResourceNotFound, "resource not found", map[string]any{"uri": uri})
	}
	return rpcResult(req.ID, map[string]any{
		"contents": []map[string]any{{
			"uri":      uri,
			"mimeType": resourceMIMEType,
			"text":     e.Content,
		}},
	})
}

func (s *Server) handleResourcesSubscribe(entry *session.Entry, req *rpcRequest) rpcResponse {
	uri, ok := decodeResourceURI(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "uri is required", nil)
	}
	if _, _, err := cache.ParseResourceURI(uri); err != nil {
		return rpcFailure(req.ID, codeInvalidParams, err.Error(), nil)
	}
	s.subscribe(entry.ID, uri)
	return rpcResult(req.ID, struct{}{})
}

func (s *Server) handleResourcesUnsubscribe(entry *session.Entry, req *rpcRequest) rpcResponse {
	uri, ok := decodeResourceURI(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "uri is required", nil)
	}
	s.unsubscribe(entry.ID, uri)
	return rpcResult(req.ID, struct{}{})
}

func (s *Server) subscribe(sessionID, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]map[string]struct{})
	}
	set := s.subs[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		s.subs[sessionID] = set
	}
	set[uri] = struct{}{}
}

func (s *Server) unsubscribe(sessionID, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[sessionID]; set != nil {
		delete(set, uri)
		if len(set) == 0 {
			delete(s.subs, sessionID)
		}
	}
}

func (s *Server) dropSubscriptions(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sessionID)
}

// subscribersOf snapshots the sessions subscribed to uri.
func (s *Server) subscribersOf(uri string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for sid, set := range s.subs {
		if _, ok := set[uri]; ok {
			ids = append(ids, sid)
		}
	}
	return ids
}

// onCacheUpdate fans a cache mutation out to the event streams:
// targeted updated notifications for subscribers, a broadcast
// list_changed when the key set changed.
func (s *Server) onCacheUpdate(u cache.Update) {
	uri, ok := cache.ResourceURI(u.Key)
	if !ok {
		return
	}
	for _, sid := range s.subscribersOf(uri) {
		s.notify(sid, notifyResourcesUpdated, map[string]any{"uri": uri})
	}
	if u.ListChanged {
		s.broadcast(notifyResourcesListChanged, nil)
	}
}
