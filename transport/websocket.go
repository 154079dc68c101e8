// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// WebSocketHandler serves the line protocol over WebSocket: each text
// message is one command and gets one text message of reply, without line
// terminator.
//
// Connections are served until ctx is done or the peer goes away.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	up := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer c.Close()
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
		s.log.Info("websocket peer connected", "remote", r.RemoteAddr)
		for {
			t, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
					s.log.Warn("websocket read", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
			if t != websocket.TextMessage {
				continue
			}
			s.rx.pulse()
			line := strings.TrimRight(string(msg), "\r\n")
			reply := Overflow
			if len(line) <= MaxLine {
				reply = s.h.HandleLine(ctx, line)
			}
			s.tx.pulse()
			if err := c.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				s.log.Warn("websocket write", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	})
}
