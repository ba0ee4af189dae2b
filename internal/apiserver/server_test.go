// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/juju/consolidator/domain/consolidation"
	consolidationerrors "github.com/juju/consolidator/domain/consolidation/errors"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/domain/consolidation/state/memstate"
	"github.com/juju/consolidator/internal/apiserver"
	"github.com/juju/consolidator/internal/pipeline"
)

type serverSuite struct {
	testing.IsolationSuite

	st      *memstate.State
	svc     apiserver.CaseService
	ingest  *pipeline.Pipeline
	logger  loggo.Logger
	baseURL string
}

var _ = gc.Suite(&serverSuite{})

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type handlerTest struct {
	// Request
	method   string
	endpoint string
	body     string
	// Response
	statusCode int
	response   string
}

// pingFailer reports the store as unreachable.
type pingFailer struct {
	apiserver.CaseService
}

func (pingFailer) Ping(context.Context) error {
	return errors.WithType(errors.New("no reachable servers"), consolidationerrors.StoreUnavailable)
}

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.logger = loggo.GetLogger(c.TestName())
	s.st = memstate.NewState()
	svc := service.NewService(s.st, testclock.NewClock(epoch), s.logger)
	s.svc = svc

	var err error
	s.ingest, err = pipeline.New(pipeline.Config{
		Service: svc,
		Clock:   testclock.NewClock(epoch),
		Logger:  s.logger,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *serverSuite) startServer(c *gc.C) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)

	registry := prometheus.NewRegistry()
	c.Assert(registry.Register(s.ingest.Metrics()), jc.ErrorIsNil)

	srv, err := apiserver.NewServer(apiserver.Config{
		Service:  s.svc,
		Pipeline: s.ingest,
		Logger:   s.logger,
		Listener: listener,
		Gatherer: registry,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, srv) })
	s.baseURL = "http://" + srv.Addr().String()
}

func (s *serverSuite) do(c *gc.C, method, endpoint, body string) (int, string) {
	req, err := http.NewRequest(method, s.baseURL+endpoint, strings.NewReader(body))
	c.Assert(err, jc.ErrorIsNil)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	return resp.StatusCode, string(data)
}

func (s *serverSuite) runHandlerTest(c *gc.C, test handlerTest) {
	status, body := s.do(c, test.method, test.endpoint, test.body)
	c.Check(status, gc.Equals, test.statusCode)
	c.Check(json.Valid([]byte(body)), jc.IsTrue, gc.Commentf("body %q", body))
	if test.response != "" {
		c.Check(body, gc.Matches, test.response)
	}
}

func (s *serverSuite) TestValidate(c *gc.C) {
	_, err := apiserver.NewServer(apiserver.Config{})
	c.Check(err, gc.ErrorMatches, "nil Service not valid")
}

func (s *serverSuite) TestSubmitEvent(c *gc.C) {
	s.startServer(c)
	body := `{"techId":"t1","mainObjectId":"M","secondaryObjectIds":["S1"],"timestamp":"2026-03-01T09:00:00Z","payload":{"kind":"A"}}`
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		body:       body,
		statusCode: http.StatusCreated,
		response:   `\{"caseId":"\w+","applied":true,"attempts":1\}`,
	})
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		body:       body,
		statusCode: http.StatusOK,
		response:   `.*"applied":false.*`,
	})

	cases, err := s.st.AllCases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cases, gc.HasLen, 1)
	c.Check(cases[0].EventTechIDs, jc.DeepEquals, []string{"t1"})
	c.Check(string(cases[0].Events[0].Payload), gc.Equals, `{"kind":"A"}`)
}

func (s *serverSuite) TestSubmitEventInvalid(c *gc.C) {
	s.startServer(c)
	for i, test := range []handlerTest{{
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		statusCode: http.StatusBadRequest,
		response:   ".*missing request body.*",
	}, {
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		body:       "techId t1",
		statusCode: http.StatusBadRequest,
		response:   ".*request body is not valid JSON.*",
	}, {
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		body:       `{"techId":"t1"}`,
		statusCode: http.StatusBadRequest,
		response:   ".*empty mainObjectId.*",
	}} {
		c.Logf("test %d", i)
		s.runHandlerTest(c, test)
	}
}

func (s *serverSuite) TestQueries(c *gc.C) {
	s.startServer(c)
	ctx := context.Background()
	for _, ev := range []consolidation.BusinessEvent{
		{TechID: "a", MainObjectID: "M", Timestamp: epoch},
		{TechID: "c", MainObjectID: "S2", Timestamp: epoch},
		{TechID: "b", MainObjectID: "S1", SecondaryObjectIDs: []string{"M", "S2"}, Timestamp: epoch},
	} {
		_, err := s.ingest.Ingest(ctx, ev)
		c.Assert(err, jc.ErrorIsNil)
	}
	cases, err := s.st.AllCases(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cases, gc.HasLen, 1)
	caseID := cases[0].ID
	absorbed := ""
	for alias := range s.st.Aliases() {
		absorbed = alias
	}
	c.Assert(absorbed, gc.Not(gc.Equals), "")

	status, body := s.do(c, http.MethodGet, "/v1/members/S2", "")
	c.Assert(status, gc.Equals, http.StatusOK)
	var resp apiserver.CaseResponse
	c.Assert(json.Unmarshal([]byte(body), &resp), jc.ErrorIsNil)
	c.Check(resp.ID, gc.Equals, caseID)
	c.Check(resp.Members, jc.DeepEquals, []string{"M", "S1", "S2"})
	c.Check(resp.EventTechIDs, gc.HasLen, 3)

	status, body = s.do(c, http.MethodGet, "/v1/cases/"+absorbed, "")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Assert(json.Unmarshal([]byte(body), &resp), jc.ErrorIsNil)
	c.Check(resp.ID, gc.Equals, caseID)

	status, body = s.do(c, http.MethodGet, "/v1/cases", "")
	c.Assert(status, gc.Equals, http.StatusOK)
	var all []apiserver.CaseResponse
	c.Assert(json.Unmarshal([]byte(body), &all), jc.ErrorIsNil)
	c.Check(all, gc.HasLen, 1)

	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/cases/unknown",
		statusCode: http.StatusNotFound,
		response:   `.*case not found.*`,
	})
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/members/unknown",
		statusCode: http.StatusNotFound,
	})
}

func (s *serverSuite) TestCluster(c *gc.C) {
	s.startServer(c)
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/clusters",
		body:       `{"sets":[["1","2"],["3"],["2","3"],["4"]]}`,
		statusCode: http.StatusOK,
		response:   `\{"clusters":\[\["1","2","3"\]\],"singletons":\[\["4"\]\]\}`,
	})
}

func (s *serverSuite) TestHealth(c *gc.C) {
	s.startServer(c)
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/health",
		statusCode: http.StatusOK,
		response:   `\{"status":"ok"\}`,
	})
}

func (s *serverSuite) TestHealthStoreUnavailable(c *gc.C) {
	s.svc = pingFailer{CaseService: s.svc}
	s.startServer(c)
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodGet,
		endpoint:   "/v1/health",
		statusCode: http.StatusServiceUnavailable,
		response:   `.*no reachable servers.*`,
	})
}

func (s *serverSuite) TestMethodNotAllowed(c *gc.C) {
	s.startServer(c)
	for _, test := range []handlerTest{{
		method:     http.MethodGet,
		endpoint:   "/v1/events",
		statusCode: http.StatusMethodNotAllowed,
		response:   `\{"error":"GET not allowed on /v1/events"\}`,
	}, {
		method:     http.MethodDelete,
		endpoint:   "/v1/cases/some-case",
		statusCode: http.StatusMethodNotAllowed,
		response:   `\{"error":"DELETE not allowed on /v1/cases/some-case"\}`,
	}, {
		method:     http.MethodGet,
		endpoint:   "/v1/clusters",
		statusCode: http.StatusMethodNotAllowed,
	}} {
		c.Logf("%s %s", test.method, test.endpoint)
		s.runHandlerTest(c, test)
	}
}

func (s *serverSuite) TestUnknownPathNotFound(c *gc.C) {
	s.startServer(c)
	status, _ := s.do(c, http.MethodGet, "/v1/nothing", "")
	c.Check(status, gc.Equals, http.StatusNotFound)
}

func (s *serverSuite) TestSubmitEventTooLarge(c *gc.C) {
	s.startServer(c)
	body := `{"techId":"` + strings.Repeat("x", 4<<20) + `","mainObjectId":"M"}`
	s.runHandlerTest(c, handlerTest{
		method:     http.MethodPost,
		endpoint:   "/v1/events",
		body:       body,
		statusCode: http.StatusRequestEntityTooLarge,
		response:   `\{"error":".*request body too large"\}`,
	})

	cases, err := s.svc.AllCases(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cases, gc.HasLen, 0)
}

func (s *serverSuite) TestMetrics(c *gc.C) {
	s.startServer(c)
	_, err := s.ingest.Ingest(context.Background(), consolidation.BusinessEvent{TechID: "t1", MainObjectID: "M"})
	c.Assert(err, jc.ErrorIsNil)

	status, body := s.do(c, http.MethodGet, "/metrics", "")
	c.Assert(status, gc.Equals, http.StatusOK)
	c.Check(body, jc.Contains, `consolidator_pipeline_events_total{outcome="applied"} 1`)
}
