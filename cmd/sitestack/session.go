package main

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/logging"
	"github.com/gurre/sitestack/reconciler"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

// session is everything a command needs to talk to one account.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	clients aws.Clients
	s3      *s3.Client
	store   state.Store
	locker  state.Locker
}

func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		s3:     s3.NewFromConfig(awsCfg),
	}
	s.clients = newClients(awsCfg, s.s3)

	s.store, err = state.NewStore(cfg.StateURI, s.s3)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}
	s.locker = state.NopLocker{}
	if cfg.LockTable != "" {
		s.locker = state.NewDynamoDBLocker(s.clients.DynamoDB, cfg.LockTable)
	}
	return s, nil
}

// newClients creates the service clients. Certificates are always requested
// in CertificateRegion, whatever region the rest of the site lives in.
func newClients(awsCfg sdkaws.Config, s3Client *s3.Client) aws.Clients {
	return aws.Clients{
		Route53:    route53.NewFromConfig(awsCfg),
		S3:         s3Client,
		CloudFront: cloudfront.NewFromConfig(awsCfg),
		ACM: acm.NewFromConfig(awsCfg, func(o *acm.Options) {
			o.Region = config.CertificateRegion
		}),
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		IAM:      iam.NewFromConfig(awsCfg),
		STS:      sts.NewFromConfig(awsCfg),
	}
}

func (s *session) reconciler() (*reconciler.Reconciler, error) {
	return reconciler.New(s.cfg, reconciler.Deps{
		Clients: s.clients,
		Store:   s.store,
		Locker:  s.locker,
		Logger:  s.logger,
	})
}

func (s *session) close() {
	_ = s.logger.Sync()
}
