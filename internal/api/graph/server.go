package graph

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/Byuntil/coupon-system/internal/model"
	"github.com/Byuntil/coupon-system/internal/service"
)

// IssuanceService 发券和用券
type IssuanceService interface {
	Issue(ctx context.Context, code string, userID int64, requestIP string) (*service.IssueResult, error)
	Use(ctx context.Context, userID int64, issueCode string) (*service.UseResult, error)
}

// StatusService 券状态查询
type StatusService interface {
	Status(ctx context.Context, code string) (*service.CouponStatusView, error)
}

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	path     string
}

const schemaString = `
type IssueResult {
  success: Boolean!
  issueCode: String
  message: String!
  reason: String
}

type UseResult {
  success: Boolean!
  discountType: String
  discountValue: Int
  usedAt: String
  message: String!
  reason: String
}

type CouponStatus {
  code: String!
  name: String!
  status: String!
  discountType: String!
  discountValue: Int!
  totalStock: Int!
  remainStock: Int!
  usedCount: Int!
  issuedCount: Int!
  issueRate: Float!
  startTime: String!
  endTime: String!
  expireTime: String!
}

type Query {
  # 查询券状态和发放比例
  couponStatus(code: String!): CouponStatus!
}

type Mutation {
  # 领取优惠券，requestIp 缺省时取请求来源地址
  issueCoupon(code: String!, userId: ID!, requestIp: String): IssueResult!

  # 使用优惠券
  useCoupon(userId: ID!, issueCode: String!): UseResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 解析Schema并创建处理器
func NewGraphQLServer(issuance IssuanceService, status StatusService, path string) *GraphQLServer {
	resolver := &Resolver{issuance: issuance, status: status}
	schema := graphql.MustParseSchema(schemaString, resolver, graphql.UseFieldResolvers())

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		path:     path,
	}
}

func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground GraphQL Playground 页面
func (s *GraphQLServer) Playground() http.Handler {
	page := fmt.Sprintf(playgroundHTML, s.path)
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
}

type clientIPKey struct{}

// WithClientIP 把请求来源地址放入上下文，供 issueCoupon 缺省使用
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Resolver GraphQL解析器
type Resolver struct {
	issuance IssuanceService
	status   StatusService
}

func parseUserID(id graphql.ID) (int64, error) {
	userID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的用户ID: %s", id)
	}
	return userID, nil
}

// IssueCoupon 领取优惠券，预期内的失败通过 success=false 返回
func (r *Resolver) IssueCoupon(ctx context.Context, args struct {
	Code      string
	UserID    graphql.ID
	RequestIP *string
}) (*IssueResultResolver, error) {
	userID, err := parseUserID(args.UserID)
	if err != nil {
		return nil, err
	}
	ip := clientIP(ctx)
	if args.RequestIP != nil && *args.RequestIP != "" {
		ip = *args.RequestIP
	}

	res, err := r.issuance.Issue(ctx, args.Code, userID, ip)
	if err != nil {
		return nil, err
	}
	return &IssueResultResolver{res: res}, nil
}

// UseCoupon 使用优惠券
func (r *Resolver) UseCoupon(ctx context.Context, args struct {
	UserID    graphql.ID
	IssueCode string
}) (*UseResultResolver, error) {
	userID, err := parseUserID(args.UserID)
	if err != nil {
		return nil, err
	}

	res, err := r.issuance.Use(ctx, userID, args.IssueCode)
	if err != nil {
		if model.IsExpected(err) {
			return &UseResultResolver{err: err}, nil
		}
		return nil, err
	}
	return &UseResultResolver{res: res}, nil
}

func (r *Resolver) CouponStatus(ctx context.Context, args struct{ Code string }) (*CouponStatusResolver, error) {
	view, err := r.status.Status(ctx, args.Code)
	if err != nil {
		return nil, err
	}
	return &CouponStatusResolver{view: view}, nil
}

// IssueResultResolver 发券结果
type IssueResultResolver struct {
	res *service.IssueResult
}

func (r *IssueResultResolver) Success() bool {
	return r.res.Success
}

func (r *IssueResultResolver) IssueCode() *string {
	if !r.res.Success {
		return nil
	}
	return &r.res.IssueCode
}

func (r *IssueResultResolver) Message() string {
	return r.res.Message
}

func (r *IssueResultResolver) Reason() *string {
	if r.res.Reason == nil {
		return nil
	}
	reason := string(model.ReasonOf(r.res.Reason))
	return &reason
}

// UseResultResolver 用券结果，err 为预期内的失败
type UseResultResolver struct {
	res *service.UseResult
	err error
}

func (r *UseResultResolver) Success() bool {
	return r.err == nil
}

func (r *UseResultResolver) DiscountType() *string {
	if r.res == nil {
		return nil
	}
	t := string(r.res.DiscountType)
	return &t
}

func (r *UseResultResolver) DiscountValue() *int32 {
	if r.res == nil {
		return nil
	}
	v := int32(r.res.DiscountValue)
	return &v
}

func (r *UseResultResolver) UsedAt() *string {
	if r.res == nil {
		return nil
	}
	at := r.res.UsedAt.Format(time.RFC3339)
	return &at
}

func (r *UseResultResolver) Message() string {
	if r.err != nil {
		return r.err.Error()
	}
	return "coupon used"
}

func (r *UseResultResolver) Reason() *string {
	if r.err == nil {
		return nil
	}
	reason := string(model.ReasonOf(r.err))
	return &reason
}

// CouponStatusResolver 券状态
type CouponStatusResolver struct {
	view *service.CouponStatusView
}

func (r *CouponStatusResolver) Code() string         { return r.view.Code }
func (r *CouponStatusResolver) Name() string         { return r.view.Name }
func (r *CouponStatusResolver) Status() string       { return string(r.view.Status) }
func (r *CouponStatusResolver) DiscountType() string { return string(r.view.DiscountType) }
func (r *CouponStatusResolver) DiscountValue() int32 { return int32(r.view.DiscountValue) }
func (r *CouponStatusResolver) TotalStock() int32    { return int32(r.view.TotalStock) }
func (r *CouponStatusResolver) RemainStock() int32   { return int32(r.view.RemainStock) }
func (r *CouponStatusResolver) UsedCount() int32     { return int32(r.view.UsedCount) }
func (r *CouponStatusResolver) IssuedCount() int32   { return int32(r.view.IssuedCount) }
func (r *CouponStatusResolver) IssueRate() float64   { return r.view.IssueRate }
func (r *CouponStatusResolver) StartTime() string    { return r.view.StartTime.Format(time.RFC3339) }
func (r *CouponStatusResolver) EndTime() string      { return r.view.EndTime.Format(time.RFC3339) }
func (r *CouponStatusResolver) ExpireTime() string   { return r.view.ExpireTime.Format(time.RFC3339) }

// playgroundHTML GraphQL Playground HTML，%s 为 API 端点
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <title>Coupon System GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
