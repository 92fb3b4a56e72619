package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/cometkit/comet"
)

const CometCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Comet control.

Runs store operations against a backend configured in a YAML file. Each
config context maps to a transport context; contexts with a realtimeUrl
also open the push channel and can watch comet events.

Usage:
    cometctl list <resource> [--config=<config>] [--context=<context>]
        [--order_and_by=<order_and_by>]
        [--page=<page>]
        [--search=<search>]
        [--limit=<limit>]
    cometctl save <resource> <record_json> [--config=<config>] [--context=<context>]
    cometctl destroy <resource> <id> [--config=<config>] [--context=<context>]
    cometctl watch <resource> [--config=<config>] [--context=<context>]
        [--namespace=<namespace>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Config path [default: cometctl.yml].
    --context=<context>              Transport context [default: default].
    --order_and_by=<order_and_by>    Sort spec, "direction|field".
    --page=<page>                    Jump to this page after sync.
    --search=<search>                Search term.
    --limit=<limit>                  Page size override.
    --namespace=<namespace>          Comet room to watch.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CometCtlVersion)
	if err != nil {
		panic(err)
	}

	configPath, _ := opts.String("--config")
	contextName, _ := opts.String("--context")

	config, err := loadConfig(configPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	contextConfig, ok := config.Contexts[contextName]
	if !ok {
		Err.Fatalf("Context %q is not in %s.", contextName, configPath)
	}

	apiKey := ""
	if contextConfig.PromptApiKey && contextConfig.ApiKeyHeader != "" {
		fmt.Fprintf(os.Stderr, "%s: ", contextConfig.ApiKeyHeader)
		apiKeyBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Read api key: %s", err)
		}
		apiKey = string(apiKeyBytes)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := comet.NewNetworkMonitor(&comet.NetworkMonitorSettings{
		StateStore:    &comet.NoNetworkStateStore{},
		Refresh:       func() {},
		DefaultOnline: true,
	})
	events := comet.NewEventSlots()
	registry := comet.NewTransportRegistry(cancelCtx, network, events)
	registry.Configure(contextConfig.transportConfig(contextName, apiKey))
	stores := comet.NewStores(registry)

	if list_, _ := opts.Bool("list"); list_ {
		list(stores, opts, contextName)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(stores, opts, contextName)
	} else if destroy_, _ := opts.Bool("destroy"); destroy_ {
		destroy(stores, opts, contextName)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(stores, opts, contextName)
	}
}

func useStore(stores *comet.Stores, opts docopt.Opts, contextName string) *comet.Store {
	resource, _ := opts.String("<resource>")
	orderAndBy, _ := opts.String("--order_and_by")
	limit, _ := opts.Int("--limit")
	namespace, _ := opts.String("--namespace")

	store, err := stores.Use(resource, &comet.StoreOptions{
		OrderAndBy:       orderAndBy,
		Limit:            limit,
		Namespace:        namespace,
		TransportContext: contextName,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return store
}

func list(stores *comet.Stores, opts docopt.Opts, contextName string) {
	store := useStore(stores, opts, contextName)

	if search, _ := opts.String("--search"); search != "" {
		store.Search(search)
		// search is debounced; wait for the trailing sync to settle
		time.Sleep(600 * time.Millisecond)
		for store.Result().Loading() {
			time.Sleep(50 * time.Millisecond)
		}
	} else {
		store.Sync(nil)
	}
	if page, _ := opts.Int("--page"); 1 < page {
		store.PageTo(page)
	}

	snapshot := store.Result().Snapshot()
	if snapshot.Error != "" {
		Err.Fatalf("%s", snapshot.Error)
	}
	Out.Printf("page %d of %d (%d records)", snapshot.Page, snapshot.Pages, snapshot.RecordCount)
	for _, record := range snapshot.Data {
		recordJson, _ := json.Marshal(record)
		Out.Printf("%s", recordJson)
	}
}

func save(stores *comet.Stores, opts docopt.Opts, contextName string) {
	store := useStore(stores, opts, contextName)

	recordJson, _ := opts.String("<record_json>")
	record := comet.Params{}
	if err := json.Unmarshal([]byte(recordJson), &record); err != nil {
		Err.Fatalf("Invalid record json: %s", err)
	}

	store.Sync(nil)
	response := store.Save(record)
	if !response.Ok() {
		Err.Fatalf("%s", response.Error)
	}
	Out.Printf("%s", response.Message)
}

func destroy(stores *comet.Stores, opts docopt.Opts, contextName string) {
	store := useStore(stores, opts, contextName)

	id, _ := opts.String("<id>")

	store.Sync(nil)
	response := store.Destroy(comet.Params{
		"id": id,
	})
	if !response.Ok() {
		Err.Fatalf("%s", response.Error)
	}
	Out.Printf("%s", response.Message)
}

// watch prints every comet-driven mutation on the store until
// interrupted. Requires a realtimeUrl on the context.
func watch(stores *comet.Stores, opts docopt.Opts, contextName string) {
	store := useStore(stores, opts, contextName)
	store.Sync(nil)

	for _, verb := range []comet.Verb{
		comet.VerbRefresh,
		comet.VerbCreate,
		comet.VerbUpdate,
		comet.VerbDestroy,
	} {
		eventVerb := verb
		store.On(eventVerb, func(data any) {
			dataJson, _ := json.Marshal(data)
			Out.Printf("%s %s", eventVerb, dataJson)
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
