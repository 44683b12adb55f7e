// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"iscsitarget/pkg/logger"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultSocketPath = "/tmp/iscsitarget.sock"

const (
	delimiter      = byte('\n')
	requestTimeout = 30 * time.Second
)

type DemonApiServer struct {
	handler       DemonApiHandler
	events        *EventBroker
	socketAddress string
	connections   sync.WaitGroup
}

func NewApiServer(driver TargetDriver, events *EventBroker, socketAddress string) *DemonApiServer {
	if socketAddress == "" {
		socketAddress = DefaultSocketPath
	}
	return &DemonApiServer{
		handler:       DemonApiHandler{driver: driver},
		events:        events,
		socketAddress: socketAddress,
	}
}

func (server *DemonApiServer) HandleConnection(ctx context.Context, connection net.Conn) {
	log := logger.GetLogger()
	defer func() {
		err := connection.Close()
		if err != nil {
			log.Debug(err)
		}
	}()
	if err := connection.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		log.Warn(err)
		return
	}
	reader := bufio.NewReader(connection)
	requestBytes, err := reader.ReadBytes(delimiter)
	if err != nil {
		log.Warn(err)
		return
	}
	request, err := ParseRequest(requestBytes[:len(requestBytes)-1])
	if err != nil {
		log.Warn(err)
		_ = server.sendResponse(connection, ErrorResponse(err))
		return
	}
	if request.Type == TypeWatch {
		_ = connection.SetReadDeadline(time.Time{})
		server.watch(ctx, connection, reader)
		return
	}
	response := server.handler.HandleRequest(request)
	if err := server.sendResponse(connection, response); err != nil {
		log.Warn(err)
	}
}

// watch streams events until the client hangs up or ctx is done.
func (server *DemonApiServer) watch(ctx context.Context, connection net.Conn, reader *bufio.Reader) {
	log := logger.GetLogger()
	if server.events == nil {
		_ = server.sendResponse(connection, ErrorResponse(errors.New("events are not available")))
		return
	}
	events, unsubscribe := server.events.Subscribe()
	defer unsubscribe()
	if err := server.sendResponse(connection, emptyResponse()); err != nil {
		log.Warn(err)
		return
	}
	hangUp := make(chan struct{})
	go func() {
		defer close(hangUp)
		_, _ = reader.ReadByte()
	}()
	for {
		select {
		case event := <-events:
			if err := server.sendResponse(connection, resultResponse(TypeEvent, event)); err != nil {
				log.Debugf("watcher gone: %v", err)
				return
			}
		case <-hangUp:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (server *DemonApiServer) sendResponse(connection net.Conn, response Response) error {
	response.Error = strings.Replace(response.Error, "\n", `\n`, -1)
	result, err := json.Marshal(response)
	if err != nil {
		return err
	}
	_, err = connection.Write(append(result, delimiter))
	return err
}

// Run serves the unix socket until ctx is done.
func (server *DemonApiServer) Run(ctx context.Context) error {
	log := logger.GetLogger()
	if err := os.RemoveAll(server.socketAddress); err != nil {
		return errors.Wrapf(err, "removing stale socket %s", server.socketAddress)
	}
	listener, err := net.Listen("unix", server.socketAddress)
	if err != nil {
		return errors.Wrap(err, "api listen")
	}
	log.Infof("api listening on %s", server.socketAddress)
	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil {
			log.Debugf("closing api socket: %v", err)
		}
	})
	defer stop()
	defer server.connections.Wait()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "api accept")
		}
		server.connections.Add(1)
		go func() {
			defer server.connections.Done()
			server.HandleConnection(ctx, connection)
		}()
	}
}
