package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/amlink/am"
	"github.com/najoast/amlink/transport/loopback"
	"github.com/najoast/amlink/transport/tcp"
)

func pingOptionsFrom(c *cli.Context) (pingOptions, error) {
	proto, err := parseProto(c.String(protoArg))
	if err != nil {
		return pingOptions{}, err
	}
	opts := pingOptions{
		size:  c.Int(sizeArg),
		count: c.Int(countArg),
		proto: proto,
	}
	if opts.size < 0 || opts.count <= 0 {
		return pingOptions{}, errors.New("size must be >= 0 and count > 0")
	}
	return opts, nil
}

func localAction(c *cli.Context) error {
	opts, err := pingOptionsFrom(c)
	if err != nil {
		return err
	}
	r, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer r.close()

	fabric := loopback.NewFabric(r.loopbackConfig(), r.logger)
	a, b := fabric.NewWorker("ping"), fabric.NewWorker("pong")
	link := a.Connect(b)
	defer link.Close()

	pinger := am.NewWorker(a, r.workerOptions("ping"))
	ponger := am.NewWorker(b, r.workerOptions("pong"))

	return r.run(c.Context, func(ctx context.Context) error {
		return runLocal(ctx, pinger, ponger, pinger.NewEndpoint(link), opts, r.logger)
	})
}

// runLocal polls both workers and echoes on ponger while pinger runs opts.
func runLocal(ctx context.Context, pinger, ponger *am.Worker, ep *am.Endpoint, opts pingOptions, logger *zap.Logger) error {
	h, err := ponger.Register(pingID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poll(gctx, pinger) })
	g.Go(func() error { return poll(gctx, ponger) })
	g.Go(func() error { return echo(gctx, h, logger) })

	stats, err := ping(gctx, pinger, ep, opts, logger)
	if stats != nil {
		logger.Info("Ping finished", stats.fields()...)
	}
	cancel()

	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	return err
}

func serveAction(c *cli.Context) error {
	r, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer r.close()

	native := tcp.NewWorker(r.tcpConfig(), r.logger)
	defer native.Close()
	w := am.NewWorker(native, r.workerOptions("server"))
	h, err := w.Register(pingID)
	if err != nil {
		return err
	}
	if _, err := native.Listen(r.cfg.ListenAddress()); err != nil {
		return err
	}

	return r.run(c.Context, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return poll(ctx, w) })
		g.Go(func() error { return echo(ctx, h, r.logger) })
		g.Go(func() error { return acceptConns(ctx, native, r.logger) })
		return g.Wait()
	})
}

// acceptConns logs each inbound connection and its statistics once it ends.
func acceptConns(ctx context.Context, native *tcp.Worker, logger *zap.Logger) error {
	for {
		conn, err := native.Accept(ctx)
		if err != nil {
			if errors.Is(err, tcp.ErrWorkerClosed) {
				return nil
			}
			return err
		}
		logger.Info("Client connected",
			zap.String("conn_id", conn.ID()),
			zap.Stringer("remote", conn.RemoteAddr()))

		go func() {
			select {
			case <-conn.Done():
				logger.Info("Client disconnected", zap.Stringer("stats", conn.Stats()))
			case <-ctx.Done():
			}
		}()
	}
}

func pingAction(c *cli.Context) error {
	opts, err := pingOptionsFrom(c)
	if err != nil {
		return err
	}
	r, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer r.close()

	addr := c.String(addressArg)
	if addr == "" {
		addr = r.cfg.ListenAddress()
	}

	native := tcp.NewWorker(r.tcpConfig(), r.logger)
	defer native.Close()
	w := am.NewWorker(native, r.workerOptions("client"))

	return r.run(c.Context, func(ctx context.Context) error {
		conn, err := native.Dial(ctx, addr)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		var g errgroup.Group
		g.Go(func() error { return poll(ctx, w) })

		stats, err := ping(ctx, w, w.NewEndpoint(conn), opts, r.logger)
		if stats != nil {
			r.logger.Info("Ping finished", stats.fields()...)
		}
		r.logger.Info("Connection statistics", zap.Stringer("stats", conn.Stats()))

		cancel()
		if werr := g.Wait(); werr != nil && err == nil {
			err = werr
		}
		return err
	})
}
