package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fhaynes/saga/internal/api"
	"github.com/fhaynes/saga/internal/ingest"
	"github.com/fhaynes/saga/internal/manager"
	"github.com/fhaynes/saga/internal/rpc"
	"github.com/fhaynes/saga/pkg/config"
	"github.com/fhaynes/saga/pkg/kafka"
)

type nodesCommand struct{}

func (nodesCommand) run(c *apiClient) error {
	var res struct {
		Nodes []string `json:"nodes"`
	}
	if err := c.do("GET", "/api/v1/nodes", nil, &res); err != nil {
		return err
	}
	for _, n := range res.Nodes {
		fmt.Println(n)
	}
	fmt.Printf("\n%d node(s)\n", len(res.Nodes))
	return nil
}

type shardsCommand struct{}

func (shardsCommand) run(c *apiClient) error {
	var res struct {
		Shards []api.ShardInfo `json:"shards"`
	}
	if err := c.do("GET", "/api/v1/indices", nil, &res); err != nil {
		return err
	}
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintln(table, "Index\tShard")
	for _, s := range res.Shards {
		fmt.Fprintf(table, "%s\t%s\n", s.Index, s.ShardType)
	}
	return table.Flush()
}

type statsCommand struct {
	Index   string `kong:"arg,help='Index name'"`
	Replica bool   `kong:"help='Address the replica shard'"`
}

func (s statsCommand) run(c *apiClient) error {
	var stats manager.IndexStats
	if err := c.do("GET", "/api/v1/indices/"+s.Index+"/stats"+shardQuery(s.Replica), nil, &stats); err != nil {
		return err
	}
	segments := make([]int, 0, len(stats.SegmentDocuments))
	for n := range stats.SegmentDocuments {
		segments = append(segments, n)
	}
	sort.Ints(segments)

	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintln(table, "Segment\tDocuments")
	for _, n := range segments {
		fmt.Fprintf(table, "%d\t%d\n", n, stats.SegmentDocuments[n])
	}
	table.Flush()
	fmt.Printf("\n%s/%s: %d document(s) in %d segment(s)\n", stats.Index, stats.ShardType, stats.Documents, stats.Segments)
	return nil
}

type indexCommand struct {
	Index   string   `kong:"arg,help='Index name'"`
	ID      uint64   `kong:"arg,help='Document id'"`
	Body    []string `kong:"arg,optional,help='Document text'"`
	Replica bool     `kong:"help='Address the replica shard'"`
}

func (i indexCommand) run(c *apiClient) error {
	req := api.DocumentRequest{ID: &i.ID, Body: strings.Join(i.Body, " ")}
	var res api.DocumentResponse
	if err := c.do("POST", "/api/v1/indices/"+i.Index+"/documents"+shardQuery(i.Replica), req, &res); err != nil {
		return err
	}
	fmt.Printf("indexed document %d into %s/%s\n", res.ID, res.Index, res.ShardType)
	return nil
}

type getCommand struct {
	Index   string `kong:"arg,help='Index name'"`
	ID      uint64 `kong:"arg,help='Document id'"`
	Replica bool   `kong:"help='Address the replica shard'"`
}

func (g getCommand) run(c *apiClient) error {
	var res api.DocumentResponse
	path := fmt.Sprintf("/api/v1/indices/%s/documents/%d%s", g.Index, g.ID, shardQuery(g.Replica))
	if err := c.do("GET", path, nil, &res); err != nil {
		return err
	}
	fmt.Println(res.Body)
	terms := make([]string, 0, len(res.Locations))
	for t := range res.Locations {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintln(table, "\nTerm\tOffsets")
	for _, t := range terms {
		fmt.Fprintf(table, "%s\t%v\n", t, res.Locations[t])
	}
	return table.Flush()
}

type deleteCommand struct {
	Index   string `kong:"arg,help='Index name'"`
	ID      uint64 `kong:"arg,help='Document id'"`
	Replica bool   `kong:"help='Address the replica shard'"`
}

func (d deleteCommand) run(c *apiClient) error {
	path := fmt.Sprintf("/api/v1/indices/%s/documents/%d%s", d.Index, d.ID, shardQuery(d.Replica))
	if err := c.do("DELETE", path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("deleted document %d\n", d.ID)
	return nil
}

type termCommand struct {
	Index   string `kong:"arg,help='Index name'"`
	Term    string `kong:"arg,help='Term to count'"`
	Replica bool   `kong:"help='Address the replica shard'"`
}

func (t termCommand) run(c *apiClient) error {
	var res struct {
		Term      string `json:"term"`
		Documents uint64 `json:"documents"`
	}
	if err := c.do("GET", "/api/v1/indices/"+t.Index+"/terms/"+url.PathEscape(t.Term)+shardQuery(t.Replica), nil, &res); err != nil {
		return err
	}
	fmt.Printf("%q appears in %d document(s)\n", res.Term, res.Documents)
	return nil
}

type publishCmd struct {
	Index   string   `kong:"arg,help='Index name'"`
	ID      uint64   `kong:"arg,help='Document id'"`
	Body    []string `kong:"arg,optional,help='Document text'"`
	Replica bool     `kong:"help='Address the replica shard'"`
}

func (p publishCmd) run(brokers, topic string) error {
	producer := kafka.NewProducer(config.KafkaConfig{Brokers: strings.Split(brokers, ",")}, topic)
	pub := ingest.NewPublisher(producer)
	defer pub.Close()

	event := ingest.IngestEvent{Index: p.Index, DocumentID: p.ID, Body: strings.Join(p.Body, " ")}
	if p.Replica {
		event.ShardType = "replica"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, event); err != nil {
		return err
	}
	fmt.Printf("published %s to %s\n", ingest.EventKey(event), topic)
	return nil
}

type batchCommand struct {
	File string `kong:"arg,help='File of JSON ingest events, or - for stdin'"`
}

func (b batchCommand) run(brokers, topic string) error {
	in := os.Stdin
	if b.File != "-" {
		f, err := os.Open(b.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	events, err := ingest.ReadEvents(in)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events in %s", b.File)
	}

	producer := kafka.NewProducer(config.KafkaConfig{Brokers: strings.Split(brokers, ",")}, topic)
	pub := ingest.NewPublisher(producer)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pub.PublishBatch(ctx, events); err != nil {
		return err
	}
	fmt.Printf("published %d events to %s\n", len(events), topic)
	return nil
}

type joinCommand struct {
	Metadata string `kong:"help='Metadata server RPC address',default='127.0.0.1:7070'"`
	Name     string `kong:"arg,help='Node name'"`
	Address  string `kong:"arg,help='Node RPC address as host:port'"`
}

func (j joinCommand) run(timeout time.Duration) error {
	host, port, err := net.SplitHostPort(j.Address)
	if err != nil {
		return fmt.Errorf("invalid node address %q: %w", j.Address, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid node port %q: %w", port, err)
	}
	conn, err := rpc.Dial(j.Metadata, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Send(rpc.NewMessage(rpc.Register, j.Name, host, port)); err != nil {
		return err
	}
	fmt.Printf("sent REGISTER for %s to %s\n", j.Name, j.Metadata)
	return nil
}
