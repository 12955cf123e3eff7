//go:build integration

package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicecloud/core/access"
	"github.com/relabs-tech/devicecloud/core/client"
	"github.com/relabs-tech/devicecloud/core/csql"
	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot"
	"github.com/relabs-tech/devicecloud/iot/api"
	"github.com/relabs-tech/devicecloud/iot/commands"
	"github.com/relabs-tech/devicecloud/iot/credentials"
	"github.com/relabs-tech/devicecloud/iot/devices"
	"github.com/relabs-tech/devicecloud/iot/events"
	"github.com/relabs-tech/devicecloud/iot/ownership"
	"github.com/relabs-tech/devicecloud/iot/scheduler"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	eventsTopic = "devicecloud-events"
	jwtSecret   = "integration-secret"
)

// IntegrationTestSuite runs the device cloud against Postgres and Kafka in containers.
// Run with go test -tags integration ./test/...
type IntegrationTestSuite struct {
	suite.Suite

	db        *csql.DB
	store     *devices.SQLStore
	engine    *ownership.Engine
	scheduler *scheduler.Scheduler
	kafkaSink *events.KafkaSink
	srv       *httptest.Server
	fired     chan command

	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	zooContainer      testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string
}

type command struct {
	topic   string
	payload string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// Create a shared Docker network for Kafka and Zookeeper
	networkName := "test-kafka-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDB,
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-zookeeper:7.5.0",
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.zooContainer = zooC

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "confluentinc/cp-kafka:7.5.0",
			ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
				"ALLOW_PLAINTEXT_LISTENER":               "yes",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(eventsTopic, 1), "Failed to create events topic")

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "devicecloud")
	s.store = devices.MustNewSQLStore(&devices.Builder{DB: s.db})
	s.engine = ownership.New(&ownership.Builder{Store: s.store, Hasher: credentials.NewHasher(1000)})

	s.kafkaSink = events.NewKafkaSink(&events.KafkaBuilder{Brokers: []string{s.kafkaAddr}, Topic: eventsTopic})
	s.fired = make(chan command, 16)
	s.scheduler = scheduler.New(&scheduler.Builder{Dispatcher: iot.DispatcherFunc(func(topic, payload string) {
		s.fired <- command{topic, payload}
	})})
	s.scheduler.Start()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{Secret: []byte(jwtSecret)}))
	api.New(&api.Builder{
		Router: router,
		Commands: commands.New(&commands.Builder{
			Engine:    s.engine,
			Scheduler: s.scheduler,
			Sink:      events.Fanout{events.LogSink{}, s.kafkaSink},
		}),
	})
	s.srv = httptest.NewServer(api.Middleware(router))
}

// clientFor returns a HTTP client authorized as user
func (s *IntegrationTestSuite) clientFor(user string) client.Client {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access.Claims{EMail: user}).SignedString([]byte(jwtSecret))
	s.Require().NoError(err)
	return client.NewWithURL(s.srv.URL).WithToken(token)
}

// provision creates a device with the given secret
func (s *IntegrationTestSuite) provision(deviceID, secret string) {
	hash, err := credentials.NewHasher(1000).Hash(secret)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpsertDevice(context.Background(), devices.Device{
		ID: deviceID, CredentialHash: hash, Enabled: true, Model: "plug", Type: "switch",
	}))
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		s.srv.Close()
	}
	if s.scheduler != nil {
		s.Require().NoError(s.scheduler.Stop(ctx))
	}
	if s.kafkaSink != nil {
		s.kafkaSink.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zooContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}
