package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/mealpass/internal/directory"
)

// visitor mirrors the default registry layout read by the MySQL directory.
type visitor struct {
	ID             uint   `gorm:"column:id;primaryKey"`
	Name           string `gorm:"column:name;size:200;not null"`
	DocumentNumber string `gorm:"column:document_number;size:64;uniqueIndex"`
	Email          string `gorm:"column:email;size:200"`
	Active         bool   `gorm:"column:active;not null"`
}

var sampleNames = []string{
	"Ana Ruiz", "Luis Paz", "Marta Gil", "Jorge Vega", "Lucia Sanz",
	"Pablo Rey", "Elena Mora", "Diego Leon", "Sara Cano", "Raul Soto",
	"Irene Diaz", "Hugo Ramos", "Nerea Ortiz", "Ivan Serra", "Alba Rubio",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	count := flag.Int("n", 30, "number of visitors to seed")
	inactiveEvery := flag.Int("inactive-every", 10, "mark every nth visitor inactive (0 disables)")
	table := flag.String("table", envOr("DIRECTORY_TABLE", "visitors"), "registry table name")
	flag.Parse()

	dsn, err := directory.NativeMySQLDSN(os.Getenv("DIRECTORY_DSN"))
	if err != nil {
		log.Fatalf("DIRECTORY_DSN: %v", err)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}

	if err := db.Table(*table).AutoMigrate(&visitor{}); err != nil {
		log.Fatalf("Failed to migrate %s: %v", *table, err)
	}

	rows := make([]visitor, 0, *count)
	for i := 1; i <= *count; i++ {
		name := sampleNames[(i-1)%len(sampleNames)]
		rows = append(rows, visitor{
			Name:           name,
			DocumentNumber: fmt.Sprintf("DOC-%05d", i),
			Email:          fmt.Sprintf("visitor%03d@example.com", i),
			Active:         *inactiveEvery <= 0 || i%*inactiveEvery != 0,
		})
	}

	res := db.Table(*table).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100)
	if res.Error != nil {
		log.Fatalf("Failed to seed visitors: %v", res.Error)
	}
	log.Printf("Seeded %d new visitors into %s", res.RowsAffected, *table)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
