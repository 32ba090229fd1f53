package middleman

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// QueueTasks queues the relay's service loops onto the task group: the
// accept loop for front-end connections, the single request consumer, and
// the single response producer. The group context cancels on the first task
// failure, which is how an upstream disconnect tears the whole relay down.
func (r *Relay) QueueTasks(tasks *task.Group, listener net.Listener) {
	var connections sync.WaitGroup

	tasks.Queue("middleman.acceptLoop", func() error {
		for {
			var conn, err = listener.Accept()
			if err != nil {
				connections.Wait()
				if tasks.Context().Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			connections.Add(1)
			go func() {
				defer connections.Done()
				r.ServeConnection(tasks.Context(), conn)
			}()
		}
	})

	tasks.Queue("middleman.acceptLoop.closer", func() error {
		<-tasks.Context().Done()
		_ = listener.Close()
		return nil
	})

	tasks.Queue("middleman.requestConsumer", func() error {
		return r.ConsumeRequests(tasks.Context())
	})

	tasks.Queue("middleman.responseProducer", func() error {
		return r.ProduceResponses(tasks.Context())
	})

	tasks.Queue("middleman.upstream.closer", func() error {
		<-tasks.Context().Done()
		// Unblock the response producer's pending read.
		_ = r.upstream.Close()
		return nil
	})

	log.WithField("addr", listener.Addr()).Info("middleman relay serving")
}
