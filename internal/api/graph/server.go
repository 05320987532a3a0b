package graph

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/internal/model"
	"github.com/lvdashuaibi/facevote/internal/service"
)

// GraphQL Schema定义
const schemaString = `
type Nominee {
  id: ID!
  name: String!
  createdAt: String!
}

type NomineeTally {
  nomineeName: String!
  votes: Int!
}

type Vote {
  id: ID!
  nomineeName: String!
  voterNationalNumber: String!
  confidence: Float!
  createdAt: String!
}

enum VoteOutcome {
  ACCEPTED
  REJECTED
  DUPLICATE_VOTER
  IN_PROGRESS
}

type SubmitVoteResult {
  success: Boolean!
  outcome: VoteOutcome!
  message: String!
  confidence: Float
  vote: Vote
}

input VoteInput {
  nomineeName: String!
  voterNationalNumber: String!
  imageBase64One: String!
  imageBase64Two: String!
}

type Query {
  # 候选人列表
  nominees: [Nominee!]!

  # 各候选人得票数
  tally: [NomineeTally!]!
}

type Mutation {
  # 人脸比对通过后保存投票
  submitVote(input: VoteInput!): SubmitVoteResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// VoteService 投票业务
type VoteService interface {
	ListNominees(ctx context.Context) ([]model.Nominee, error)
	SubmitVote(ctx context.Context, req *model.VoteRequest) (service.SubmitResult, error)
	Tally(ctx context.Context) ([]model.NomineeTally, error)
}

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema     *graphql.Schema
	handler    *relay.Handler
	playground http.Handler
}

// NewGraphQLServer 创建新的GraphQL服务器，path 为挂载路径
func NewGraphQLServer(votes VoteService, path string, logger *zap.Logger) *GraphQLServer {
	resolver := &Resolver{votes: votes, logger: logger.Named("graphql")}
	schema := graphql.MustParseSchema(schemaString, resolver)

	return &GraphQLServer{
		schema:     schema,
		handler:    &relay.Handler{Schema: schema},
		playground: playgroundHandler(path),
	}
}

// Handler GraphQL API处理器
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground GraphQL Playground页面
func (s *GraphQLServer) Playground() http.Handler {
	return s.playground
}

// Schema 已解析的schema，测试中直接执行查询
func (s *GraphQLServer) Schema() *graphql.Schema {
	return s.schema
}

// Resolver GraphQL解析器
type Resolver struct {
	votes  VoteService
	logger *zap.Logger
}

// Nominees 候选人列表
func (r *Resolver) Nominees(ctx context.Context) ([]*NomineeResolver, error) {
	nominees, err := r.votes.ListNominees(ctx)
	if err != nil {
		return nil, err
	}
	resolvers := make([]*NomineeResolver, len(nominees))
	for i := range nominees {
		resolvers[i] = &NomineeResolver{nominee: &nominees[i]}
	}
	return resolvers, nil
}

// Tally 各候选人得票数
func (r *Resolver) Tally(ctx context.Context) ([]*TallyResolver, error) {
	tallies, err := r.votes.Tally(ctx)
	if err != nil {
		return nil, err
	}
	resolvers := make([]*TallyResolver, len(tallies))
	for i := range tallies {
		resolvers[i] = &TallyResolver{tally: tallies[i]}
	}
	return resolvers, nil
}

// SubmitVote 提交投票；校验和比对服务错误作为GraphQL错误返回
func (r *Resolver) SubmitVote(ctx context.Context, args struct{ Input VoteInput }) (*SubmitVoteResolver, error) {
	req := &model.VoteRequest{
		NomineeName:         args.Input.NomineeName,
		VoterNationalNumber: args.Input.VoterNationalNumber,
		ImageBase64One:      args.Input.ImageBase64One,
		ImageBase64Two:      args.Input.ImageBase64Two,
	}

	result, err := r.votes.SubmitVote(ctx, req)
	if err != nil {
		r.logger.Warn("GraphQL投票失败", zap.Error(err))
		return nil, err
	}
	return &SubmitVoteResolver{result: result}, nil
}

// VoteInput 投票输入类型
type VoteInput struct {
	NomineeName         string
	VoterNationalNumber string
	ImageBase64One      string
	ImageBase64Two      string
}

// NomineeResolver 候选人解析器
type NomineeResolver struct {
	nominee *model.Nominee
}

func (r *NomineeResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatUint(uint64(r.nominee.ID), 10))
}

func (r *NomineeResolver) Name() string {
	return r.nominee.Name
}

func (r *NomineeResolver) CreatedAt() string {
	return r.nominee.CreatedAt.Format(time.RFC3339)
}

// TallyResolver 得票数解析器
type TallyResolver struct {
	tally model.NomineeTally
}

func (r *TallyResolver) NomineeName() string {
	return r.tally.NomineeName
}

func (r *TallyResolver) Votes() int32 {
	return int32(r.tally.Votes)
}

// VoteResolver 投票记录解析器，不暴露图片
type VoteResolver struct {
	vote *model.Vote
}

func (r *VoteResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatUint(uint64(r.vote.ID), 10))
}

func (r *VoteResolver) NomineeName() string {
	return r.vote.NomineeName
}

func (r *VoteResolver) VoterNationalNumber() string {
	return r.vote.VoterNationalNumber
}

func (r *VoteResolver) Confidence() float64 {
	return r.vote.Confidence
}

func (r *VoteResolver) CreatedAt() string {
	return r.vote.CreatedAt.Format(time.RFC3339)
}

// SubmitVoteResolver 投票结果解析器
type SubmitVoteResolver struct {
	result service.SubmitResult
}

func (r *SubmitVoteResolver) Success() bool {
	return r.result.Kind == service.OutcomeAccepted
}

func (r *SubmitVoteResolver) Outcome() string {
	return r.result.Kind.String()
}

func (r *SubmitVoteResolver) Message() string {
	switch r.result.Kind {
	case service.OutcomeAccepted:
		return "Vote saved successfully"
	case service.OutcomeRejected:
		return "Face comparison failed"
	case service.OutcomeDuplicateVoter:
		return "Voter has already voted"
	case service.OutcomeInProgress:
		return "A vote for this voter is already being processed"
	default:
		return ""
	}
}

func (r *SubmitVoteResolver) Confidence() *float64 {
	switch r.result.Kind {
	case service.OutcomeAccepted, service.OutcomeRejected:
		c := r.result.Confidence
		return &c
	default:
		return nil
	}
}

func (r *SubmitVoteResolver) Vote() *VoteResolver {
	if r.result.Vote == nil {
		return nil
	}
	return &VoteResolver{vote: r.result.Vote}
}

func playgroundHandler(path string) http.Handler {
	page := strings.Replace(playgroundHTML, "{{ENDPOINT}}", path, 1)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	})
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>FaceVote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '{{ENDPOINT}}'
      })
    })</script>
</body>
</html>
`
