package hardcover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Khan/genqlient/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/graphql-go/graphql/language/source"
	"github.com/graphql-go/graphql/language/visitor"

	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/transport"
)

// isbnBatcher coalesces concurrent FetchByISBN calls into as few round
// trips as possible against the Hardcover-like GraphQL endpoint. A
// general-purpose query batcher has to accept arbitrary incoming
// operations from many unrelated callers: alias them under opaque random
// ids, rename their variables to avoid collision, and stitch them into one
// document. This client only ever issues one query shape -- the fixed
// book-by-ISBN lookup in _isbnQuery -- so the batcher is specialized to it:
// it reparses that one template once per pending request, aliases the copy
// by its position in the batch, and renames its two variables
// ($isbn13/$isbn10) the same way, then merges every copy into a single
// operation before flushing.
type isbnBatcher struct {
	mu        sync.Mutex
	batchSize int
	pending   []*isbnRequest
	wrapped   graphql.Client
}

// isbnRequest is one pending ISBN lookup waiting to be folded into the next
// flushed batch.
type isbnRequest struct {
	isbn10, isbn13 string
	respC          chan isbnResult
}

type isbnResult struct {
	books []bookRow
	err   error
}

// newISBNBatcher constructs a batcher that flushes its pending ISBN lookups
// every `rate`, or immediately once `batchSize` requests have accumulated.
func newISBNBatcher(url string, httpClient *http.Client, rate time.Duration, batchSize int) *isbnBatcher {
	b := &isbnBatcher{
		batchSize: batchSize,
		wrapped:   graphql.NewClient(url, httpClient),
	}
	go func() {
		for {
			time.Sleep(rate)
			b.flush(context.Background())
		}
	}()
	return b
}

// fetch enqueues one (isbn10, isbn13) pair and blocks until the batch it
// lands in has been issued and demultiplexed.
func (b *isbnBatcher) fetch(ctx context.Context, isbn10, isbn13 string) ([]bookRow, error) {
	respC := make(chan isbnResult, 1)
	req := &isbnRequest{isbn10: isbn10, isbn13: isbn13, respC: respC}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		go b.flush(ctx)
	}

	select {
	case res := <-respC:
		return res.books, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flush pops every currently-pending ISBN lookup and issues them as one
// merged GraphQL request, routing each result (or error) back to its own
// waiter.
func (b *isbnBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	query, vars, aliases, buildErr := buildBatchedISBNQuery(batch)
	if buildErr != nil {
		logging.Log(ctx).Error("unable to build batched isbn query", "err", buildErr)
		for _, r := range batch {
			r.respC <- isbnResult{err: buildErr}
		}
		return
	}

	data := map[string]json.RawMessage{}
	req := &graphql.Request{Query: query, Variables: vars}
	resp := &graphql.Response{Data: &data}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	err := b.wrapped.MakeRequest(reqCtx, req, resp)

	if resp != nil && len(resp.Errors) > 0 {
		bySubscriber := map[string]error{}
		for _, e := range resp.Errors {
			bySubscriber[e.Path.String()] = gqlStatusErr(e)
		}
		for i, r := range batch {
			if fieldErr, ok := bySubscriber[aliases[i]]; ok {
				r.respC <- isbnResult{err: fieldErr}
				continue
			}
			deliverOne(r, aliases[i], data)
		}
		return
	}
	if err != nil {
		logging.Log(ctx).Warn("batched isbn query error", "count", len(batch), "err", err)
		wrapped := gqlStatusErr(err)
		for _, r := range batch {
			r.respC <- isbnResult{err: wrapped}
		}
		return
	}

	for i, r := range batch {
		deliverOne(r, aliases[i], data)
	}
}

// deliverOne decodes the response data under alias (if present) and sends
// it to r, or sends an empty result when the field wasn't returned (the
// "no book found" case, not an error).
func deliverOne(r *isbnRequest, alias string, data map[string]json.RawMessage) {
	raw, ok := data[alias]
	if !ok {
		r.respC <- isbnResult{}
		return
	}
	var books []bookRow
	if jsonErr := json.Unmarshal(raw, &books); jsonErr != nil {
		r.respC <- isbnResult{err: jsonErr}
		return
	}
	r.respC <- isbnResult{books: books}
}

// buildBatchedISBNQuery reparses _isbnQuery once per pending request,
// aliases the "books" selection by batch position ("b0", "b1", ...),
// renames its $isbn13/$isbn10 variables to match, and merges every copy's
// selection and variable definitions into the first request's operation.
// Returns the printed query, the combined variables keyed by the renamed
// names, and the alias assigned to each batch position (for demuxing).
func buildBatchedISBNQuery(batch []*isbnRequest) (query string, vars map[string]any, aliases []string, err error) {
	vars = make(map[string]any, len(batch)*2)
	aliases = make([]string, len(batch))

	var merged *ast.OperationDefinition
	for i, r := range batch {
		alias := fmt.Sprintf("b%d", i)
		aliases[i] = alias

		opDef, field, parseErr := parseISBNTemplate()
		if parseErr != nil {
			return "", nil, nil, parseErr
		}

		rename := map[string]string{}
		for _, vd := range opDef.VariableDefinitions {
			oldName := vd.Variable.Name.Value
			newName := alias + "_" + oldName
			rename[oldName] = newName
			vd.Variable.Name.Value = newName
		}
		vars[rename["isbn13"]] = r.isbn13
		vars[rename["isbn10"]] = r.isbn10

		field.Alias = &ast.Name{Value: alias, Kind: "Name"}

		opts := visitor.VisitInParallel(&visitor.VisitorOptions{
			Enter: func(p visitor.VisitFuncParams) (string, interface{}) {
				if v, ok := p.Node.(*ast.Variable); ok {
					if newName, ok := rename[v.Name.Value]; ok {
						v.Name.Value = newName
					}
				}
				return visitor.ActionNoChange, nil
			},
		})
		visitor.Visit(field, opts, nil)

		if merged == nil {
			merged = opDef
			continue
		}
		merged.SelectionSet.Selections = append(merged.SelectionSet.Selections, field)
		merged.VariableDefinitions = append(merged.VariableDefinitions, opDef.VariableDefinitions...)
	}

	printed := printer.Print(merged)
	return fmt.Sprint(printed), vars, aliases, nil
}

// parseISBNTemplate parses _isbnQuery fresh and returns its operation and
// top-level "books" field. Called once per pending request in a batch so
// each copy gets its own independent AST nodes to alias/rename.
func parseISBNTemplate() (*ast.OperationDefinition, *ast.Field, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: source.NewSource(&source.Source{Body: []byte(_isbnQuery)})})
	if err != nil {
		return nil, nil, fmt.Errorf("parsing isbn query template: %w", err)
	}

	var opDef *ast.OperationDefinition
	for _, def := range doc.Definitions {
		if o, ok := def.(*ast.OperationDefinition); ok {
			opDef = o
			break
		}
	}
	if opDef == nil || len(opDef.SelectionSet.Selections) == 0 {
		return nil, nil, errors.New("isbn query template has no operation")
	}

	field, ok := opDef.SelectionSet.Selections[0].(*ast.Field)
	if !ok {
		return nil, nil, errors.New("isbn query template's top-level selection is not a field")
	}
	return opDef, field, nil
}

// gqlStatusErr promotes a "Request failed with status code NNN" error
// string into a transport.StatusErr so the fetch-retry classifier upstream
// can treat it uniformly with a plain HTTP failure.
func gqlStatusErr(err error) error {
	errStr := err.Error()
	idx := strings.Index(errStr, "Request failed with status code")
	if idx == -1 {
		return err
	}
	var code int
	_, scanErr := fmt.Sscanf(errStr[idx:], "Request failed with status code %d", &code)
	if scanErr != nil {
		return err
	}
	return errors.Join(err, transport.StatusErr(code))
}
