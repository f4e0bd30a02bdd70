package server

import (
	"sort"
	"strings"
)

// MethodInfo describes one registered method, as streamed by the built-in
// swill.introspect handler.
type MethodInfo struct {
	Name            string `msgpack:"name"`
	RequestType     string `msgpack:"request_type"`
	ResponseType    string `msgpack:"response_type"`
	RequestStreams  bool   `msgpack:"request_streams"`
	ResponseStreams bool   `msgpack:"response_streams"`
}

// registerIntrospection installs swill.introspect, a server-streaming method
// that lists the registered handlers. Built-in swill.* methods are excluded
// from the listing.
func (s *Server) registerIntrospection() {
	handler := func(ctx *Context, _ struct{}, out *Writer) error {
		names := make([]string, 0, len(s.handlers))
		for name := range s.handlers {
			if strings.HasPrefix(name, "swill.") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			h := s.handlers[name]
			info := MethodInfo{
				Name:            name,
				RequestType:     h.reqElem.String(),
				ResponseType:    h.respElem.String(),
				RequestStreams:  h.clientStreams,
				ResponseStreams: h.serverStreams,
			}
			if err := out.Send(info); err != nil {
				return err
			}
		}
		return nil
	}
	s.Register("swill.introspect", handler, Single[struct{}](), StreamOf[MethodInfo]())
}
