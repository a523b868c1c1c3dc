package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-framelock/barrier"
	"github.com/Meander-Cloud/go-framelock/cluster"
	"github.com/Meander-Cloud/go-framelock/config"
)

// demoState is the whole shared scene of the demo, one counter and a clock.
type demoState struct {
	Tick     uint64  `msgpack:"tick"`
	SimTime  float64 `msgpack:"sim_time"`
	Colorize bool    `msgpack:"colorize"`
}

type demoCodec struct {
	mutex sync.Mutex
	state demoState
}

func (dc *demoCodec) Encode() ([]byte, error) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	return msgpack.Marshal(&dc.state)
}

func (dc *demoCodec) Decode(blob []byte) error {
	var state demoState
	err := msgpack.Unmarshal(blob, &state)
	if err != nil {
		return err
	}

	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	dc.state = state
	return nil
}

func (dc *demoCodec) advance(dt time.Duration) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	dc.state.Tick++
	dc.state.SimTime += dt.Seconds()
	dc.state.Colorize = dc.state.Tick%120 < 60
}

type UserCallback struct {
	LogPrefix string
}

func (uc *UserCallback) DataReceived(received *cluster.DataReceived) {
	log.Printf(
		"%s: DataReceived: packageID=%d, sender=node%d, bytes=%d, time=%s",
		uc.LogPrefix,
		received.PackageID,
		received.SenderIndex,
		len(received.Payload),
		received.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) DataComplete(complete *cluster.DataComplete) {
	log.Printf(
		"%s: DataComplete: packageID=%d, elapsed=%v, time=%s",
		uc.LogPrefix,
		complete.PackageID,
		complete.Elapsed,
		complete.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) ConnectionStatus(status *cluster.ConnectionStatus) {
	log.Printf(
		"%s: ConnectionStatus: node%d connected=%t, time=%s",
		uc.LogPrefix,
		status.NodeIndex,
		status.Connected,
		status.Time.Format(time.RFC3339),
	)
}

func (uc *UserCallback) NodeLost(lost *cluster.NodeLost) {
	log.Printf(
		"%s: NodeLost: node%d, err=%v, time=%s",
		uc.LogPrefix,
		lost.NodeIndex,
		lost.Err,
		lost.Time.Format(time.RFC3339),
	)
}

func run(configPath string, envFiles []string, frameInterval time.Duration) {
	c, err := config.Load(configPath, envFiles...)
	if err != nil {
		log.Printf("demo: %s", err.Error())
		return
	}
	if c.LogPrefix == "" {
		c.LogPrefix = "demo"
	}

	codec := &demoCodec{}
	co, err := cluster.NewCoordinator(
		c,
		codec,
		&UserCallback{
			LogPrefix: c.LogPrefix,
		},
	)
	if err != nil {
		log.Printf("%s: %s", c.LogPrefix, err.Error())
		return
	}
	defer co.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = co.Start(ctx)
	if err != nil {
		log.Printf("%s: %s", c.LogPrefix, err.Error())
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		// stands in for the render loop: update, sync, swap
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if co.IsMaster() {
				codec.advance(frameInterval)
			}

			r, err := co.RunFrame(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("%s: frame failed, err=%s", c.LogPrefix, err.Error())
				}
				continue
			}

			if r.Outcome != barrier.OutcomeReleased || r.FrameNumber%300 == 0 {
				stats := co.SyncStats()
				log.Printf(
					"%s: frame=%d %s in %v, missing=%v, loopTime=%v/%v",
					c.LogPrefix,
					r.FrameNumber,
					r.Outcome,
					r.Elapsed,
					r.Missing,
					stats.MinLoopTime,
					stats.MaxLoopTime,
				)
			}

			if co.IsMaster() && r.FrameNumber%600 == 0 {
				_, err = co.Transfer(make([]byte, 3*1024*1024))
				if err != nil {
					log.Printf("%s: transfer skipped, err=%s", c.LogPrefix, err.Error())
				}
			}
		}
	}()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("%s: received signal %s, exiting", c.LogPrefix, sig.String())

	cancel()
	wg.Wait()
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	configPath := flag.String("config", "framelock.yaml", "cluster config file")
	envFile := flag.String("env", "", "optional .env file with FRAMELOCK_* overrides")
	fps := flag.Uint("fps", 60, "frames per second")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if *fps == 0 {
		*fps = 60
	}

	run(*configPath, envFiles, time.Second/time.Duration(*fps))
}
