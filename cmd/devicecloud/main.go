package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicecloud/core/access"
	"github.com/relabs-tech/devicecloud/core/csql"
	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot"
	"github.com/relabs-tech/devicecloud/iot/api"
	"github.com/relabs-tech/devicecloud/iot/commands"
	"github.com/relabs-tech/devicecloud/iot/credentials"
	"github.com/relabs-tech/devicecloud/iot/devices"
	"github.com/relabs-tech/devicecloud/iot/events"
	"github.com/relabs-tech/devicecloud/iot/mqtt"
	"github.com/relabs-tech/devicecloud/iot/ownership"
	"github.com/relabs-tech/devicecloud/iot/scheduler"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
// or SQLITE="devicecloud.db" for a single node
type Service struct {
	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=devicecloud" description:"the database schema"`
	SQLite         string `env:"SQLITE" description:"path of a sqlite database, used if POSTGRES is not set"`

	Port string `env:"PORT,default=3000" description:"the port of the REST API"`

	MQTTAddress string `env:"MQTT_ADDRESS,default=:1883" description:"listen address of the MQTT broker"`
	MQTTTLSCert string `env:"MQTT_TLS_CERT" description:"certificate file, enables TLS for the broker"`
	MQTTTLSKey  string `env:"MQTT_TLS_KEY" description:"private key file of the certificate"`

	JWTSecret string `env:"JWT_SECRET,required" description:"HMAC secret of the identity provider"`
	JWTIssuer string `env:"JWT_ISSUER" description:"accepted token issuer, any if empty"`

	SchedulerWorkers      int `env:"SCHEDULER_WORKERS,default=20" description:"concurrent job firings"`
	SchedulerMaxInstances int `env:"SCHEDULER_MAX_INSTANCES,default=3" description:"concurrent firings of the same job"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers for domain events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=devicecloud-events" description:"Kafka topic for domain events"`

	SQSQueueURL        string `env:"SQS_QUEUE_URL" description:"SQS queue for domain events"`
	AWSRegion          string `env:"AWS_REGION,default=eu-central-1" description:"AWS region of the queue"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" description:"AWS access key id, default credential chain if empty"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" description:"AWS secret access key"`

	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	PBKDF2Iterations int    `env:"PBKDF2_ITERATIONS,default=100000" description:"iterations of credential hashes"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	var db *csql.DB
	switch {
	case service.Postgres != "":
		db = csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	case service.SQLite != "":
		db, err = csql.OpenSQLite(service.SQLite)
		if err != nil {
			panic(err)
		}
	default:
		panic("either POSTGRES or SQLITE is required")
	}
	defer db.Close()

	store := devices.MustNewSQLStore(&devices.Builder{DB: db})

	sinks := events.Fanout{events.LogSink{}}
	if service.KafkaBrokers != "" {
		kafkaSink := events.NewKafkaSink(&events.KafkaBuilder{
			Brokers: strings.Split(service.KafkaBrokers, ","),
			Topic:   service.KafkaTopic,
		})
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if service.SQSQueueURL != "" {
		sqsSink, err := events.NewSQSSink(context.Background(), events.SQSConfiguration{
			QueueURL:  service.SQSQueueURL,
			AWSRegion: service.AWSRegion,
			AccessID:  service.AWSAccessKeyID,
			AccessKey: service.AWSSecretAccessKey,
		})
		if err != nil {
			panic(err)
		}
		sinks = append(sinks, sqsSink)
	}

	broker := mqtt.NewBroker(&mqtt.Builder{
		Store:    store,
		Address:  service.MQTTAddress,
		CertFile: service.MQTTTLSCert,
		KeyFile:  service.MQTTTLSKey,
	})

	jobs := scheduler.New(&scheduler.Builder{
		Dispatcher:   iot.PublishDispatcher{Publisher: broker},
		Workers:      service.SchedulerWorkers,
		MaxInstances: service.SchedulerMaxInstances,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{
		Secret: []byte(service.JWTSecret),
		Issuer: service.JWTIssuer,
	}))
	access.HandleAuthorizationRoute(router)
	api.New(&api.Builder{
		Router: router,
		Commands: commands.New(&commands.Builder{
			Engine: ownership.New(&ownership.Builder{
				Store:  store,
				Hasher: credentials.NewHasher(service.PBKDF2Iterations),
			}),
			Scheduler: jobs,
			Sink:      sinks,
		}),
	})

	broker.Run()
	jobs.Start()

	srv := &http.Server{
		Addr:    ":" + service.Port,
		Handler: api.Middleware(router),
	}
	go func() {
		log.Println("listen on port :" + service.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Default().WithError(err).Fatalln("http server failed")
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	logger.Default().Infoln("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Default().WithError(err).Errorln("http shutdown")
	}
	if err := jobs.Stop(ctx); err != nil {
		logger.Default().WithError(err).Errorln("scheduler shutdown")
	}
	if err := broker.Stop(ctx); err != nil {
		logger.Default().WithError(err).Errorln("broker shutdown")
	}
}
