// Package greactor implements a single-host, multi-reactor TCP server
// core for Linux: one EventLoop per OS thread, each backed by an epoll
// Poller, with a fixed LoopPool of sub-loops that accepted connections
// are load-balanced across.
//
// A minimal echo server:
//
//	srv, err := greactor.NewServer(":9000", greactor.Options{NumLoops: 4})
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv.SetMessageCallback(func(c *greactor.Connection, buf *greactor.ByteBuffer, _ time.Time) {
//		c.Send([]byte(buf.RetrieveAllString()))
//	})
//	log.Fatal(srv.Start())
package greactor
