package cards

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
	"go.uber.org/zap"
)

const (
	opServiceNew        = "cards.service.new"
	opClassifyDate      = "cards.classify_date"
	opClassifyOrder     = "cards.classify_order"
	reasonMissingOrders = "missing_order_source"
	reasonMissingLabels = "missing_label_source"
	reasonMissingStore  = "missing_store"
	reasonLabelsFailed  = "labels_failed"
	reasonFetchFailed   = "fetch_failed"
	reasonRateLimited   = "rate_limited"
	reasonOrderNotFound = "order_not_found"
	reasonPersistFailed = "persist_failed"
	defaultLookbackDays = 60
	defaultOrderStatus  = "any"
)

// OrderSource is the upstream order API as seen by classification.
type OrderSource interface {
	FetchOrders(ctx context.Context, opts commerce.FetchOptions) ([]commerce.Order, error)
	FetchOrder(ctx context.Context, orderID string) (commerce.Order, error)
}

// ServiceConfig wires the classification service.
type ServiceConfig struct {
	Orders            OrderSource
	Labels            LabelSource
	Store             *Store
	Classifier        *Classifier
	AddOnCategory     string
	LookbackDays      int
	MaxOrders         int
	UsePartialResults bool
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Service turns upstream orders into card definitions and makes sure every
// definition has a state row.
type Service struct {
	orders            OrderSource
	labels            LabelSource
	store             *Store
	classifier        *Classifier
	addOnCategory     string
	lookback          time.Duration
	maxOrders         int
	usePartialResults bool
	clock             func() time.Time
	logger            *zap.Logger
}

// ClassificationResult is the outcome of classifying a delivery date or an order.
// Partial is set when the fetch failed part way and the truncated set was used.
type ClassificationResult struct {
	DeliveryDate   string
	Definitions    []CardDefinition
	CreatedCardIDs []CardID
	Partial        bool
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Orders == nil {
		return nil, newServiceError(opServiceNew, reasonMissingOrders, errMissingOrderSource)
	}
	if cfg.Labels == nil {
		return nil, newServiceError(opServiceNew, reasonMissingLabels, errMissingLabelSource)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewClassifier(AddOnPolicyAttachAll)
	}
	lookbackDays := cfg.LookbackDays
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		orders:            cfg.Orders,
		labels:            cfg.Labels,
		store:             cfg.Store,
		classifier:        classifier,
		addOnCategory:     cfg.AddOnCategory,
		lookback:          time.Duration(lookbackDays) * 24 * time.Hour,
		maxOrders:         cfg.MaxOrders,
		usePartialResults: cfg.UsePartialResults,
		clock:             clock,
		logger:            logger,
	}, nil
}

// ClassifyDate fetches recent orders, keeps those tagged with deliveryDate and
// returns their card definitions. A fetch failure is an error, distinct from an
// empty successful result.
func (s *Service) ClassifyDate(ctx context.Context, tenantID TenantID, deliveryDate string) (ClassificationResult, error) {
	date, err := ValidateDeliveryDate(deliveryDate)
	if err != nil {
		return ClassificationResult{}, newServiceError(opClassifyDate, reasonInvalidInput, err)
	}

	catalog, err := s.catalog(ctx, opClassifyDate, tenantID)
	if err != nil {
		return ClassificationResult{}, err
	}

	createdAtMin := s.clock().UTC().Add(-s.lookback)
	orders, err := s.orders.FetchOrders(ctx, commerce.FetchOptions{
		Status:       defaultOrderStatus,
		CreatedAtMin: &createdAtMin,
		MaxTotal:     s.maxOrders,
	})
	result := ClassificationResult{DeliveryDate: date}
	if err != nil {
		var fetchErr *commerce.FetchError
		if !s.usePartialResults || !errors.As(err, &fetchErr) || errors.Is(err, context.Canceled) {
			return ClassificationResult{}, s.fetchError(opClassifyDate, tenantID, err)
		}
		s.logger.Warn("classifying truncated order set",
			zap.String(fieldTenantID, tenantID.String()),
			zap.Int("page", fetchErr.Page),
			zap.Int("orders", len(fetchErr.Partial)),
			zap.Error(err))
		orders = fetchErr.Partial
		result.Partial = true
	}

	definitions := make([]CardDefinition, 0)
	for _, order := range orders {
		orderDate, ok := ExtractDeliveryDate(order.Tags)
		if !ok || orderDate != date {
			continue
		}
		definitions = append(definitions, s.classifier.ClassifyOrder(tenantID, order, catalog)...)
	}

	created, err := s.persist(ctx, opClassifyDate, tenantID, definitions)
	if err != nil {
		return ClassificationResult{}, err
	}
	result.Definitions = definitions
	result.CreatedCardIDs = created
	return result, nil
}

// ClassifyOrder loads one order through the detail lookup and classifies it.
// An order without a delivery date tag yields an empty result.
func (s *Service) ClassifyOrder(ctx context.Context, tenantID TenantID, orderID string) (ClassificationResult, error) {
	catalog, err := s.catalog(ctx, opClassifyOrder, tenantID)
	if err != nil {
		return ClassificationResult{}, err
	}
	order, err := s.orders.FetchOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, commerce.ErrOrderNotFound) {
			return ClassificationResult{}, newServiceError(opClassifyOrder, reasonOrderNotFound, err)
		}
		return ClassificationResult{}, s.fetchError(opClassifyOrder, tenantID, err)
	}

	date, _ := ExtractDeliveryDate(order.Tags)
	definitions := s.classifier.ClassifyOrder(tenantID, order, catalog)
	if definitions == nil {
		definitions = []CardDefinition{}
	}
	created, err := s.persist(ctx, opClassifyOrder, tenantID, definitions)
	if err != nil {
		return ClassificationResult{}, err
	}
	return ClassificationResult{DeliveryDate: date, Definitions: definitions, CreatedCardIDs: created}, nil
}

func (s *Service) catalog(ctx context.Context, operation string, tenantID TenantID) (LabelCatalog, error) {
	labels, err := s.labels.Labels(ctx, tenantID)
	if err != nil {
		logServiceError(s.logger, operation, reasonLabelsFailed, err, zap.String(fieldTenantID, tenantID.String()))
		return LabelCatalog{}, newServiceError(operation, reasonLabelsFailed, err)
	}
	return NewLabelCatalog(labels, s.addOnCategory), nil
}

func (s *Service) fetchError(operation string, tenantID TenantID, err error) error {
	reason := reasonFetchFailed
	if errors.Is(err, commerce.ErrRateLimited) {
		reason = reasonRateLimited
	}
	logServiceError(s.logger, operation, reason, err, zap.String(fieldTenantID, tenantID.String()))
	return newServiceError(operation, reason, errors.Join(ErrUpstreamFetch, err))
}

// persist upserts a state row per definition. There is no transaction across
// definitions: a crash part way is repaired by the next idempotent run.
func (s *Service) persist(ctx context.Context, operation string, tenantID TenantID, definitions []CardDefinition) ([]CardID, error) {
	created := make([]CardID, 0)
	for _, definition := range definitions {
		_, wasCreated, err := s.store.Upsert(ctx, tenantID, InitialState{
			CardID:       definition.CardID,
			DeliveryDate: definition.DeliveryDate,
		})
		if err != nil {
			return nil, newServiceError(operation, reasonPersistFailed, err)
		}
		if wasCreated {
			created = append(created, definition.CardID)
		}
	}
	return created, nil
}
