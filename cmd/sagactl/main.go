// Command sagactl is the operator tool for a saga cluster. It talks to a
// node's HTTP API, to the metadata server's RPC port and to the Kafka ingest
// topic.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
)

type parameters struct {
	API     string        `kong:"help='Base URL of a node HTTP API',default='http://localhost:8080',short='a'"`
	Timeout string        `kong:"help='Request timeout',default='10s'"`
	Brokers string        `kong:"help='Comma-separated Kafka brokers for publish',default='localhost:9092'"`
	Topic   string        `kong:"help='Kafka ingest topic for publish',default='saga.documents'"`
	Nodes   nodesCommand  `kong:"cmd,help='List the nodes registered with the metadata server'"`
	Shards  shardsCommand `kong:"cmd,help='List the shards hosted by a node'"`
	Stats   statsCommand  `kong:"cmd,help='Show document counts for an index shard'"`
	Index   indexCommand  `kong:"cmd,help='Index a document through the HTTP API'"`
	Get     getCommand    `kong:"cmd,help='Fetch a document'"`
	Delete  deleteCommand `kong:"cmd,help='Delete a document'"`
	Term    termCommand   `kong:"cmd,help='Count the documents containing a term'"`
	Publish publishCmd    `kong:"cmd,help='Publish a document to the Kafka ingest topic'"`
	Batch   batchCommand  `kong:"cmd,help='Publish a file of ingest events in one write'"`
	Join    joinCommand   `kong:"cmd,help='Register a node with the metadata server over RPC'"`
}

var params parameters

func main() {
	k, err := kong.New(&params, kong.Name("sagactl"),
		kong.Description("saga cluster control"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}))
	if err != nil {
		panic(err)
	}
	ctx, err := k.Parse(os.Args[1:])
	if err != nil {
		k.FatalIfErrorf(err)
		return
	}

	c, err := newAPIClient(params.API, params.Timeout)
	if err != nil {
		k.FatalIfErrorf(err)
		return
	}

	var run func() error
	switch strings.Fields(ctx.Command())[0] {
	case "nodes":
		run = func() error { return params.Nodes.run(c) }
	case "shards":
		run = func() error { return params.Shards.run(c) }
	case "stats":
		run = func() error { return params.Stats.run(c) }
	case "index":
		run = func() error { return params.Index.run(c) }
	case "get":
		run = func() error { return params.Get.run(c) }
	case "delete":
		run = func() error { return params.Delete.run(c) }
	case "term":
		run = func() error { return params.Term.run(c) }
	case "publish":
		run = func() error { return params.Publish.run(params.Brokers, params.Topic) }
	case "batch":
		run = func() error { return params.Batch.run(params.Brokers, params.Topic) }
	case "join":
		run = func() error { return params.Join.run(c.timeout) }
	default:
		k.FatalIfErrorf(fmt.Errorf("unknown command %q", ctx.Command()))
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
