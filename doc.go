// Package eventload decodes neutron event banks from a random-access binary
// container and partitions the events into per-detector buckets.
//
// Each bank is decoded under a single disk token, then bucketed by one or two
// tasks over disjoint detector-id ranges. Tasks fold their statistics into a
// shared LoadAggregate when they complete.
//
// # Basic Usage
//
// Loading every bank of a container file:
//
//	store := eventstore.NewRange(0, maxDetectorID)
//	res, err := eventload.Load(ctx, "run.evnx", store, store,
//	    eventload.WithWorkers(runtime.NumCPU()),
//	    eventload.WithSplitBanks(),
//	    eventload.WithCompression(0.05),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d events, %d bad tofs\n", res.Aggregate.Events, res.Aggregate.BadTofs)
//
// Running a coordinator over an already open container:
//
//	co, err := eventload.NewCoordinator(reader, dst, instrument)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := co.Run(ctx, []eventload.Bank{{Name: "bank1_events"}})
//
// # Package Structure
//
// The implementation is organized as follows:
//
//   - Public API: coordinator.go (NewCoordinator, Run, Load, DiscoverBanks)
//   - Configuration: options.go (LoadOption, With* functions)
//   - Collaborators: collaborators.go (Container, Destination, Instrument, Progress)
//   - Pulse times: pulse.go (PulseTimeIndex, pulse cache, pulse cursor)
//   - Decode phase: bank_reader.go (field reads and validation), decode.go (range restriction, SplitPolicy)
//   - Bucket phase: bucket.go (pre-count, append, compression), block.go (RawEventBlock, buffer pools)
//   - Statistics: aggregate.go (LoadAggregate), metrics.go (Prometheus collectors, tracer)
//   - Memory: memory.go (MemoryPolicy)
//   - Container format: container/ (reader, writer, on-disk layout)
//   - Reference destination: eventstore/
//   - Synthetic runs: internal/synth/, cmd/eventload (synth and load commands)
package eventload
